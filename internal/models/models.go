package models

import (
	"strings"
	"time"

	"simonkey-backend-go/internal/docstore"
)

const (
	CollUsers              = "users"
	CollSchoolAdmins       = "schoolAdmins"
	CollSchoolInstitutions = "schoolInstitutions"
	CollMaterias           = "materias"
	CollNotebooks          = "notebooks"
	CollSchoolSubjects     = "schoolSubjects"
	CollSchoolNotebooks    = "schoolNotebooks"
	CollConcepts           = "concepts"
	CollSchoolConcepts     = "schoolConcepts"
	CollStudySessions      = "studySessions"
	CollEnrollments        = "enrollments"
	CollTeacherKPIs        = "teacherKpis"
	CollJobRuns            = "jobRuns"

	SubQuizResults     = "quizResults"
	SubMiniQuizResults = "miniQuizResults"
	SubLearningData    = "learningData"
	SubKPIs            = "kpis"

	DashboardDocID = "dashboard"
)

const (
	RoleAdmin   = "admin"
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

const (
	EnrollmentActive    = "active"
	EnrollmentCompleted = "completed"
	EnrollmentInactive  = "inactive"
)

const (
	ModeSmart = "smart"
	ModeFree  = "free"
)

// UnassignedSubject groups notebooks whose subject link could not be resolved.
const UnassignedSubject = "unassigned"

type User struct {
	ID            string
	Email         string
	DisplayName   string
	Subscription  string
	SchoolRole    string
	InstitutionID string
	AdminID       string
	NotebookIDs   []string
}

func (u User) IsSchoolStudent() bool { return u.SchoolRole == RoleStudent }
func (u User) IsSchoolTeacher() bool { return u.SchoolRole == RoleTeacher }

func UserFromDoc(doc docstore.Document) User {
	return User{
		ID:            doc.ID,
		Email:         doc.String("email"),
		DisplayName:   doc.String("displayName"),
		Subscription:  strings.ToLower(doc.String("subscription")),
		SchoolRole:    strings.ToLower(doc.String("schoolRole")),
		InstitutionID: doc.String("idInstitucion"),
		AdminID:       doc.String("idAdmin"),
		NotebookIDs:   doc.Strings("notebookIds"),
	}
}

type Notebook struct {
	ID         string
	Collection string
	Title      string
	OwnerID    string
	SubjectID  string
	// LegacySubject marks a subject recovered from the pre-migration field.
	LegacySubject bool
	IsFrozen      bool
}

func (n Notebook) IsSchool() bool { return n.Collection == CollSchoolNotebooks }

func NotebookFromDoc(doc docstore.Document) Notebook {
	nb := Notebook{
		ID:         doc.ID,
		Collection: doc.Collection,
		Title:      doc.String("title"),
		IsFrozen:   doc.Bool("isFrozen"),
	}
	if doc.Collection == CollSchoolNotebooks {
		nb.OwnerID = doc.String("idProfesor")
		nb.SubjectID = doc.String("idMateria")
		if nb.SubjectID == "" && doc.String("subjectId") != "" {
			nb.SubjectID = doc.String("subjectId")
			nb.LegacySubject = true
		}
		return nb
	}
	nb.OwnerID = doc.String("userId")
	nb.SubjectID = doc.String("materiaId")
	return nb
}

type Subject struct {
	ID            string
	Name          string
	TeacherID     string
	InstitutionID string
	InviteCode    string
	NotebookIDs   []string
}

func SubjectFromDoc(doc docstore.Document) Subject {
	return Subject{
		ID:            doc.ID,
		Name:          doc.String("name"),
		TeacherID:     doc.String("idProfesor"),
		InstitutionID: doc.String("idInstitucion"),
		InviteCode:    doc.String("inviteCode"),
		NotebookIDs:   doc.Strings("notebookIds"),
	}
}

type StudySession struct {
	ID               string
	UserID           string
	NotebookID       string
	Mode             string
	Start            time.Time
	DurationSeconds  float64
	Validated        bool
	ConceptsMastered int
	ConceptsReviewed int
}

// SessionFromDoc prefers the stored duration and falls back to end - start.
func SessionFromDoc(doc docstore.Document) StudySession {
	s := StudySession{
		ID:               doc.ID,
		UserID:           doc.String("userId"),
		NotebookID:       doc.String("notebookId"),
		Mode:             strings.ToLower(doc.String("mode")),
		Validated:        doc.Bool("validated"),
		ConceptsMastered: doc.Int("conceptsMastered"),
		ConceptsReviewed: doc.Int("conceptsReviewed"),
	}
	start, hasStart := doc.Time("startTime")
	if hasStart {
		s.Start = start
	}
	s.DurationSeconds = doc.Float("durationSeconds")
	if s.DurationSeconds <= 0 && hasStart {
		if end, ok := doc.Time("endTime"); ok && end.After(start) {
			s.DurationSeconds = end.Sub(start).Seconds()
		}
	}
	if s.DurationSeconds < 0 {
		s.DurationSeconds = 0
	}
	return s
}

type QuizResult struct {
	ID          string
	NotebookID  string
	SessionID   string
	Score       float64
	Passed      bool
	TimeSeconds float64
	Timestamp   time.Time
}

func QuizResultFromDoc(doc docstore.Document) QuizResult {
	q := QuizResult{
		ID:          doc.ID,
		NotebookID:  doc.String("notebookId"),
		SessionID:   doc.String("sessionId"),
		Score:       doc.Float("score"),
		Passed:      doc.Bool("passed"),
		TimeSeconds: doc.Float("timeSeconds"),
	}
	if ts, ok := doc.Time("timestamp"); ok {
		q.Timestamp = ts
	}
	if q.TimeSeconds < 0 {
		q.TimeSeconds = 0
	}
	return q
}

type LearningRecord struct {
	ConceptID   string
	UserID      string
	NotebookID  string
	Repetitions int
	EaseFactor  float64
}

// MasteryRepetitions is the repetition count at which a concept counts as mastered.
const MasteryRepetitions = 2

func (l LearningRecord) Mastered() bool { return l.Repetitions >= MasteryRepetitions }

func LearningRecordFromDoc(doc docstore.Document) LearningRecord {
	return LearningRecord{
		ConceptID:   doc.ID,
		UserID:      doc.ParentID(),
		NotebookID:  doc.String("notebookId"),
		Repetitions: doc.Int("repetitions"),
		EaseFactor:  doc.Float("easeFactor"),
	}
}

type Enrollment struct {
	ID         string    `json:"id"`
	StudentID  string    `json:"studentId"`
	TeacherID  string    `json:"teacherId"`
	SubjectID  string    `json:"subjectId"`
	Status     string    `json:"status"`
	InviteCode string    `json:"inviteCode"`
	EnrolledAt time.Time `json:"enrolledAt"`
}

func EnrollmentFromDoc(doc docstore.Document) Enrollment {
	e := Enrollment{
		ID:         doc.ID,
		StudentID:  doc.String("studentId"),
		TeacherID:  doc.String("teacherId"),
		SubjectID:  doc.String("subjectId"),
		Status:     strings.ToLower(doc.String("status")),
		InviteCode: doc.String("inviteCode"),
	}
	if ts, ok := doc.Time("enrolledAt"); ok {
		e.EnrolledAt = ts
	}
	return e
}

func KPICollection(userID string) string {
	return docstore.Sub(CollUsers, userID, SubKPIs)
}

func QuizCollection(userID string) string {
	return docstore.Sub(CollUsers, userID, SubQuizResults)
}

func MiniQuizCollection(userID string) string {
	return docstore.Sub(CollUsers, userID, SubMiniQuizResults)
}

func LearningCollection(userID string) string {
	return docstore.Sub(CollUsers, userID, SubLearningData)
}
