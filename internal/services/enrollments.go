package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"simonkey-backend-go/internal/docstore"
	"simonkey-backend-go/internal/logging"
	"simonkey-backend-go/internal/models"
)

// Enrollments links school students to subjects through invite codes.
type Enrollments struct {
	Store  docstore.Store
	Logger logging.Logger
}

func (e *Enrollments) logger() logging.Logger {
	if e.Logger == nil {
		return logging.Discard
	}
	return e.Logger
}

func (e *Enrollments) loadUser(ctx context.Context, userID string) (models.User, error) {
	doc, err := e.Store.Get(ctx, models.CollUsers, userID)
	if errors.Is(err, docstore.ErrNotFound) {
		return models.User{}, ErrNotFound("User not found")
	}
	if err != nil {
		return models.User{}, WrapError(err, "load user")
	}
	return models.UserFromDoc(doc), nil
}

// Join enrolls the student in the subject owning inviteCode. Re-joining an
// inactive or completed enrollment reactivates it.
func (e *Enrollments) Join(ctx context.Context, studentID, inviteCode string) (models.Enrollment, error) {
	inviteCode = strings.TrimSpace(inviteCode)
	if inviteCode == "" {
		return models.Enrollment{}, ErrBadRequest("Invite code is required")
	}
	student, err := e.loadUser(ctx, studentID)
	if err != nil {
		return models.Enrollment{}, err
	}
	if !student.IsSchoolStudent() {
		return models.Enrollment{}, ErrForbidden("Only school students can enroll")
	}
	subjects, err := e.Store.Query(ctx, models.CollSchoolSubjects, docstore.Where("inviteCode", docstore.OpEq, inviteCode))
	if err != nil {
		return models.Enrollment{}, WrapError(err, "find subject")
	}
	if len(subjects) == 0 {
		return models.Enrollment{}, ErrNotFound("Invalid invite code")
	}
	subject := models.SubjectFromDoc(subjects[0])
	if subject.InstitutionID != "" && student.InstitutionID != "" && subject.InstitutionID != student.InstitutionID {
		return models.Enrollment{}, ErrForbidden("Subject belongs to another institution")
	}

	existing, err := e.Store.Query(ctx, models.CollEnrollments,
		docstore.Where("studentId", docstore.OpEq, studentID),
		docstore.Where("subjectId", docstore.OpEq, subject.ID))
	if err != nil {
		return models.Enrollment{}, WrapError(err, "find enrollment")
	}
	if len(existing) > 0 {
		enrollment := models.EnrollmentFromDoc(existing[0])
		if enrollment.Status == models.EnrollmentActive {
			return enrollment, ErrConflict("Already enrolled")
		}
		if err := e.Store.Update(ctx, models.CollEnrollments, enrollment.ID, map[string]interface{}{
			"status":     models.EnrollmentActive,
			"inviteCode": inviteCode,
			"enrolledAt": docstore.ServerTimestamp,
		}); err != nil {
			return models.Enrollment{}, WrapError(err, "reactivate enrollment")
		}
		return e.get(ctx, enrollment.ID)
	}

	id := uuid.NewString()
	if err := e.Store.Set(ctx, models.CollEnrollments, id, map[string]interface{}{
		"studentId":  studentID,
		"teacherId":  subject.TeacherID,
		"subjectId":  subject.ID,
		"status":     models.EnrollmentActive,
		"inviteCode": inviteCode,
		"enrolledAt": docstore.ServerTimestamp,
	}); err != nil {
		return models.Enrollment{}, WrapError(err, "create enrollment")
	}
	if student.InstitutionID == "" && subject.InstitutionID != "" {
		// the enrollment stands; the KPI engine repairs the link later
		if err := e.Store.Update(ctx, models.CollUsers, studentID, map[string]interface{}{"idInstitucion": subject.InstitutionID}); err != nil {
			e.logger().Warnf("enrollment %s: back-fill idInstitucion for %s: %v", id, studentID, err)
		}
	}
	return e.get(ctx, id)
}

func (e *Enrollments) get(ctx context.Context, id string) (models.Enrollment, error) {
	doc, err := e.Store.Get(ctx, models.CollEnrollments, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return models.Enrollment{}, ErrNotFound("Enrollment not found")
	}
	if err != nil {
		return models.Enrollment{}, WrapError(err, "load enrollment")
	}
	return models.EnrollmentFromDoc(doc), nil
}

func (e *Enrollments) ListForStudent(ctx context.Context, studentID string) ([]models.Enrollment, error) {
	docs, err := e.Store.Query(ctx, models.CollEnrollments, docstore.Where("studentId", docstore.OpEq, studentID))
	if err != nil {
		return nil, WrapError(err, "list enrollments")
	}
	items := make([]models.Enrollment, 0, len(docs))
	for _, doc := range docs {
		items = append(items, models.EnrollmentFromDoc(doc))
	}
	return items, nil
}

var enrollmentStatuses = map[string]bool{
	models.EnrollmentActive:    true,
	models.EnrollmentCompleted: true,
	models.EnrollmentInactive:  true,
}

// SetStatus lets the owning teacher change an enrollment's status.
func (e *Enrollments) SetStatus(ctx context.Context, teacherID, enrollmentID, status string) (models.Enrollment, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !enrollmentStatuses[status] {
		return models.Enrollment{}, ErrBadRequest("Invalid status")
	}
	enrollment, err := e.get(ctx, enrollmentID)
	if err != nil {
		return models.Enrollment{}, err
	}
	if enrollment.TeacherID != teacherID {
		return models.Enrollment{}, ErrForbidden("Not allowed")
	}
	if enrollment.Status == status {
		return enrollment, nil
	}
	if err := e.Store.Update(ctx, models.CollEnrollments, enrollmentID, map[string]interface{}{"status": status}); err != nil {
		return models.Enrollment{}, WrapError(err, "update enrollment")
	}
	enrollment.Status = status
	return enrollment, nil
}
