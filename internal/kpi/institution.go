package kpi

import (
	"context"
	"sort"

	"simonkey-backend-go/internal/docstore"
	"simonkey-backend-go/internal/models"
)

// resolveInstitution returns the user's institution, following idAdmin when
// the direct link is missing.
func (r *run) resolveInstitution(ctx context.Context, user models.User) string {
	if user.InstitutionID != "" {
		return user.InstitutionID
	}
	inst := r.institutionFromAdmin(ctx, user.AdminID)
	if inst != "" {
		r.repair(ctx, models.CollUsers, user.ID, map[string]interface{}{"idInstitucion": inst})
	}
	return inst
}

// institutionFromAdmin probes users, schoolAdmins and schoolInstitutions in
// that order. The admin id may itself be an institution id.
func (r *run) institutionFromAdmin(ctx context.Context, adminID string) string {
	if adminID == "" {
		return ""
	}
	r.mu.Lock()
	inst, cached := r.adminInst[adminID]
	r.mu.Unlock()
	if cached {
		return inst
	}

	if doc, ok := r.get(ctx, "admin user", models.CollUsers, adminID); ok {
		inst = doc.String("idInstitucion")
	}
	if inst == "" {
		if doc, ok := r.get(ctx, "school admin", models.CollSchoolAdmins, adminID); ok {
			inst = doc.String("idInstitucion")
		}
	}
	if inst == "" {
		if _, ok := r.get(ctx, "institution", models.CollSchoolInstitutions, adminID); ok {
			inst = adminID
		}
	}

	r.mu.Lock()
	r.adminInst[adminID] = inst
	r.mu.Unlock()
	return inst
}

// institutionStudents lists students of an institution plus those linked only
// through adminID, whose institution link is repaired.
func (r *run) institutionStudents(ctx context.Context, inst, adminID string) []models.User {
	byID := map[string]models.User{}
	if inst != "" {
		docs := r.query(ctx, "institution students", models.CollUsers,
			docstore.Where("schoolRole", docstore.OpEq, models.RoleStudent),
			docstore.Where("idInstitucion", docstore.OpEq, inst))
		for _, doc := range docs {
			byID[doc.ID] = models.UserFromDoc(doc)
		}
	}
	if adminID != "" {
		docs := r.query(ctx, "admin students", models.CollUsers,
			docstore.Where("schoolRole", docstore.OpEq, models.RoleStudent),
			docstore.Where("idAdmin", docstore.OpEq, adminID))
		for _, doc := range docs {
			student := models.UserFromDoc(doc)
			if student.InstitutionID == "" && inst != "" {
				r.repair(ctx, models.CollUsers, student.ID, map[string]interface{}{"idInstitucion": inst})
				student.InstitutionID = inst
			}
			if student.InstitutionID != "" && inst != "" && student.InstitutionID != inst {
				continue
			}
			byID[student.ID] = student
		}
	}
	out := make([]models.User, 0, len(byID))
	for _, student := range byID {
		out = append(out, student)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// subjectStudents returns the ids of students actively enrolled in subjectID.
func (r *run) subjectStudents(ctx context.Context, subjectID string) []string {
	docs := r.query(ctx, "subject enrollments", models.CollEnrollments,
		docstore.Where("subjectId", docstore.OpEq, subjectID),
		docstore.Where("status", docstore.OpEq, models.EnrollmentActive))
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.String("studentId"))
	}
	return uniqueSorted(ids)
}
