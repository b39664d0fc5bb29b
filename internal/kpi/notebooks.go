package kpi

import (
	"context"
	"sort"

	"simonkey-backend-go/internal/docstore"
	"simonkey-backend-go/internal/models"
)

// userNotebooks resolves the notebooks a user studies and the display names
// of their subjects.
func (r *run) userNotebooks(ctx context.Context, user models.User) ([]models.Notebook, map[string]string) {
	names := map[string]string{models.UnassignedSubject: "Sin materia"}
	var notebooks []models.Notebook
	if user.IsSchoolStudent() {
		notebooks = r.schoolStudentNotebooks(ctx, user, names)
	} else {
		notebooks = r.regularNotebooks(ctx, user, names)
	}
	sort.Slice(notebooks, func(i, j int) bool { return notebooks[i].ID < notebooks[j].ID })
	return dedupeNotebooks(notebooks), names
}

func (r *run) schoolStudentNotebooks(ctx context.Context, user models.User, names map[string]string) []models.Notebook {
	enrollments := r.query(ctx, "student enrollments", models.CollEnrollments,
		docstore.Where("studentId", docstore.OpEq, user.ID),
		docstore.Where("status", docstore.OpEq, models.EnrollmentActive))
	subjectIDs := make([]string, 0, len(enrollments))
	for _, doc := range enrollments {
		subjectIDs = append(subjectIDs, doc.String("subjectId"))
	}
	subjectIDs = uniqueSorted(subjectIDs)
	if len(subjectIDs) == 0 {
		return r.legacyNotebooks(ctx, user, names)
	}

	var out []models.Notebook
	for _, subjectID := range subjectIDs {
		if doc, ok := r.get(ctx, "subject", models.CollSchoolSubjects, subjectID); ok {
			names[subjectID] = doc.String("name")
		}
		out = append(out, r.subjectNotebooks(ctx, subjectID)...)
	}
	return out
}

// subjectNotebooks reads schoolNotebooks by idMateria plus those only carrying
// the legacy subjectId field. Sorted by id.
func (r *run) subjectNotebooks(ctx context.Context, subjectID string) []models.Notebook {
	docs := r.query(ctx, "subject notebooks", models.CollSchoolNotebooks,
		docstore.Where("idMateria", docstore.OpEq, subjectID))
	seen := map[string]bool{}
	for _, doc := range docs {
		seen[doc.ID] = true
	}
	legacy := r.query(ctx, "legacy subject notebooks", models.CollSchoolNotebooks,
		docstore.Where("subjectId", docstore.OpEq, subjectID))
	for _, doc := range legacy {
		if !seen[doc.ID] && doc.String("idMateria") == "" {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	out := make([]models.Notebook, 0, len(docs))
	for _, doc := range docs {
		nb := models.NotebookFromDoc(doc)
		if nb.LegacySubject {
			r.repair(ctx, models.CollSchoolNotebooks, nb.ID, map[string]interface{}{"idMateria": nb.SubjectID})
		}
		nb.SubjectID = subjectID
		out = append(out, nb)
	}
	return out
}

// legacyNotebooks handles students assigned notebooks directly on the user
// document, before enrollments existed.
func (r *run) legacyNotebooks(ctx context.Context, user models.User, names map[string]string) []models.Notebook {
	var out []models.Notebook
	for _, id := range uniqueSorted(user.NotebookIDs) {
		doc, ok := r.get(ctx, "legacy notebook", models.CollSchoolNotebooks, id)
		if !ok {
			continue
		}
		nb := models.NotebookFromDoc(doc)
		if nb.LegacySubject {
			r.repair(ctx, models.CollSchoolNotebooks, nb.ID, map[string]interface{}{"idMateria": nb.SubjectID})
		}
		if nb.SubjectID == "" {
			subjects := r.query(ctx, "notebook subject", models.CollSchoolSubjects,
				docstore.Where("notebookIds", docstore.OpArrayContains, nb.ID))
			if len(subjects) > 0 {
				nb.SubjectID = subjects[0].ID
				names[nb.SubjectID] = subjects[0].String("name")
				r.repair(ctx, models.CollSchoolNotebooks, nb.ID, map[string]interface{}{"idMateria": nb.SubjectID})
			} else {
				nb.SubjectID = models.UnassignedSubject
			}
		}
		if _, known := names[nb.SubjectID]; !known {
			if subject, ok := r.get(ctx, "subject", models.CollSchoolSubjects, nb.SubjectID); ok {
				names[nb.SubjectID] = subject.String("name")
			}
		}
		out = append(out, nb)
	}
	return out
}

// regularNotebooks links each personal notebook to a materia: materiaId when
// it names one of the user's materias, otherwise the materia listing it.
func (r *run) regularNotebooks(ctx context.Context, user models.User, names map[string]string) []models.Notebook {
	docs := r.query(ctx, "notebooks", models.CollNotebooks,
		docstore.Where("userId", docstore.OpEq, user.ID))
	if len(docs) == 0 {
		return nil
	}
	materias := r.query(ctx, "materias", models.CollMaterias,
		docstore.Where("userId", docstore.OpEq, user.ID))
	known := map[string]bool{}
	listedIn := map[string]string{}
	for _, doc := range materias {
		known[doc.ID] = true
		names[doc.ID] = doc.String("name")
		for _, nbID := range doc.Strings("notebookIds") {
			if _, taken := listedIn[nbID]; !taken {
				listedIn[nbID] = doc.ID
			}
		}
	}

	out := make([]models.Notebook, 0, len(docs))
	for _, doc := range docs {
		nb := models.NotebookFromDoc(doc)
		if !known[nb.SubjectID] {
			if materiaID, ok := listedIn[nb.ID]; ok {
				nb.SubjectID = materiaID
				r.repair(ctx, models.CollNotebooks, nb.ID, map[string]interface{}{"materiaId": materiaID})
			} else {
				nb.SubjectID = models.UnassignedSubject
			}
		}
		out = append(out, nb)
	}
	return out
}

func dedupeNotebooks(sorted []models.Notebook) []models.Notebook {
	out := make([]models.Notebook, 0, len(sorted))
	for _, nb := range sorted {
		if len(out) > 0 && out[len(out)-1].ID == nb.ID {
			continue
		}
		out = append(out, nb)
	}
	return out
}
