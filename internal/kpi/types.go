package kpi

import (
	"math"
	"time"
)

const (
	AccountSchool  = "school"
	AccountRegular = "regular"
)

// WeekBuckets holds minutes of study per weekday of one calendar week.
type WeekBuckets struct {
	Monday    float64 `json:"monday"`
	Tuesday   float64 `json:"tuesday"`
	Wednesday float64 `json:"wednesday"`
	Thursday  float64 `json:"thursday"`
	Friday    float64 `json:"friday"`
	Saturday  float64 `json:"saturday"`
	Sunday    float64 `json:"sunday"`
}

func (w *WeekBuckets) slot(day time.Weekday) *float64 {
	switch day {
	case time.Monday:
		return &w.Monday
	case time.Tuesday:
		return &w.Tuesday
	case time.Wednesday:
		return &w.Wednesday
	case time.Thursday:
		return &w.Thursday
	case time.Friday:
		return &w.Friday
	case time.Saturday:
		return &w.Saturday
	default:
		return &w.Sunday
	}
}

func (w *WeekBuckets) Add(day time.Weekday, minutes float64) {
	*w.slot(day) += minutes
}

func (w *WeekBuckets) Merge(other WeekBuckets) {
	for _, day := range weekOrder {
		w.Add(day, *other.slot(day))
	}
}

func (w WeekBuckets) Total() float64 {
	total := 0.0
	for _, day := range weekOrder {
		total += *w.slot(day)
	}
	return total
}

func (w WeekBuckets) rounded() WeekBuckets {
	out := w
	for _, day := range weekOrder {
		slot := out.slot(day)
		*slot = round2(*slot)
	}
	return out
}

var weekOrder = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday,
}

type NotebookKPIs struct {
	Title                  string      `json:"title"`
	SubjectID              string      `json:"subjectId"`
	School                 bool        `json:"school"`
	Score                  float64     `json:"score"`
	MaxQuizScore           float64     `json:"maxQuizScore"`
	QuizCount              int         `json:"quizCount"`
	SmartStudies           int         `json:"smartStudies"`
	FreeStudies            int         `json:"freeStudies"`
	SuccessfulSmartStudies int         `json:"successfulSmartStudies"`
	MiniQuizzesPassed      int         `json:"miniQuizzesPassed"`
	StudyTimeMinutes       float64     `json:"studyTimeMinutes"`
	SmartStudyMinutes      float64     `json:"smartStudyMinutes"`
	FreeStudyMinutes       float64     `json:"freeStudyMinutes"`
	QuizMinutes            float64     `json:"quizMinutes"`
	ConceptsTotal          int         `json:"conceptsTotal"`
	ConceptsMastered       int         `json:"conceptsMastered"`
	ConceptsUnmastered     int         `json:"conceptsUnmastered"`
	SessionMasteryGain     int         `json:"sessionMasteryGain"`
	Rank                   int         `json:"rank"`
	ClassSize              int         `json:"classSize"`
	Percentile             float64     `json:"percentile"`
	LastActivityAt         *time.Time  `json:"lastActivityAt,omitempty"`
	WeeklyMinutes          WeekBuckets `json:"weeklyMinutes"`
}

type SubjectKPIs struct {
	Name             string  `json:"name"`
	NotebookCount    int     `json:"notebookCount"`
	Score            float64 `json:"score"`
	StudyTimeMinutes float64 `json:"studyTimeMinutes"`
	SmartStudies     int     `json:"smartStudies"`
	FreeStudies      int     `json:"freeStudies"`
	ConceptsTotal    int     `json:"conceptsTotal"`
	ConceptsMastered int     `json:"conceptsMastered"`
	AvgPercentile    float64 `json:"avgPercentile"`
}

type GlobalKPIs struct {
	Score            float64 `json:"score"`
	StudyTimeMinutes float64 `json:"studyTimeMinutes"`
	SmartStudies     int     `json:"smartStudies"`
	FreeStudies      int     `json:"freeStudies"`
	QuizzesTaken     int     `json:"quizzesTaken"`
	ConceptsTotal    int     `json:"conceptsTotal"`
	ConceptsMastered int     `json:"conceptsMastered"`
	AvgPercentile    float64 `json:"avgPercentile"`
	NotebookCount    int     `json:"notebookCount"`
	SubjectCount     int     `json:"subjectCount"`
}

// UserKPIs is the dashboard snapshot stored at users/{id}/kpis/dashboard.
type UserKPIs struct {
	UserID        string                  `json:"userId"`
	AccountType   string                  `json:"accountType"`
	InstitutionID string                  `json:"institutionId,omitempty"`
	Global        GlobalKPIs              `json:"global"`
	Subjects      map[string]SubjectKPIs  `json:"subjects"`
	Notebooks     map[string]NotebookKPIs `json:"notebooks"`
	WeeklyTime    WeekBuckets             `json:"weeklyTime"`
	WeekStart     string                  `json:"weekStart"`
	ComputedAt    time.Time               `json:"computedAt"`
}

type TeacherNotebookKPIs struct {
	Title               string      `json:"title"`
	SubjectID           string      `json:"subjectId"`
	StudentsWithData    int         `json:"studentsWithData"`
	AvgScore            float64     `json:"avgScore"`
	AvgPercentile       float64     `json:"avgPercentile"`
	StudyTimeMinutes    float64     `json:"studyTimeMinutes"`
	AvgStudyTimeMinutes float64     `json:"avgStudyTimeMinutes"`
	SmartStudies        int         `json:"smartStudies"`
	FreeStudies         int         `json:"freeStudies"`
	ConceptsTotal       int         `json:"conceptsTotal"`
	AvgConceptsMastered float64     `json:"avgConceptsMastered"`
	WeeklyMinutes       WeekBuckets `json:"weeklyMinutes"`
}

type TeacherSubjectKPIs struct {
	Name             string  `json:"name"`
	NotebookCount    int     `json:"notebookCount"`
	StudentCount     int     `json:"studentCount"`
	AvgScore         float64 `json:"avgScore"`
	AvgPercentile    float64 `json:"avgPercentile"`
	StudyTimeMinutes float64 `json:"studyTimeMinutes"`
	SmartStudies     int     `json:"smartStudies"`
	FreeStudies      int     `json:"freeStudies"`
}

type TeacherGlobalKPIs struct {
	TotalSubjects       int     `json:"totalSubjects"`
	TotalNotebooks      int     `json:"totalNotebooks"`
	TotalStudents       int     `json:"totalStudents"`
	ActiveStudents      int     `json:"activeStudents"`
	AvgScore            float64 `json:"avgScore"`
	AvgPercentile       float64 `json:"avgPercentile"`
	StudyTimeMinutes    float64 `json:"studyTimeMinutes"`
	AvgStudyTimeMinutes float64 `json:"avgStudyTimeMinutes"`
	SmartStudies        int     `json:"smartStudies"`
	FreeStudies         int     `json:"freeStudies"`
}

// TeacherKPIs is the snapshot stored at teacherKpis/{teacherId}.
type TeacherKPIs struct {
	TeacherID     string                         `json:"teacherId"`
	InstitutionID string                         `json:"institutionId,omitempty"`
	Global        TeacherGlobalKPIs              `json:"global"`
	Subjects      map[string]TeacherSubjectKPIs  `json:"subjects"`
	Notebooks     map[string]TeacherNotebookKPIs `json:"notebooks"`
	WeeklyTime    WeekBuckets                    `json:"weeklyTime"`
	WeekStart     string                         `json:"weekStart"`
	ComputedAt    time.Time                      `json:"computedAt"`
}

type UserResult struct {
	KPIs     UserKPIs `json:"kpis"`
	Repaired int      `json:"repairedLinks"`
	Warnings []string `json:"warnings"`
}

type TeacherResult struct {
	KPIs                TeacherKPIs `json:"kpis"`
	RefreshedStudents   int         `json:"refreshedStudents"`
	RefreshedStudentIDs []string    `json:"refreshedStudentIds,omitempty"`
	Repaired            int         `json:"repairedLinks"`
	Warnings            []string    `json:"warnings"`
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}

func minutes(seconds float64) float64 {
	return seconds / 60
}

func mean(sum float64, count int) float64 {
	if count == 0 {
		return 0
	}
	return round2(sum / float64(count))
}
