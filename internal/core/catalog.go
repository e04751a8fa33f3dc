package core

import "fmt"

type Subject struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type ExplanationLevel struct {
	ID                string `json:"id"`
	Label             string `json:"label"`
	SystemInstruction string `json:"-"`
}

const (
	SubjectGeneral = "general"
	LevelGeneral   = "general"
)

var subjects = []Subject{
	{ID: SubjectGeneral, Name: "General"},
	{ID: "physics", Name: "Physics"},
	{ID: "chemistry", Name: "Chemistry"},
	{ID: "biology", Name: "Biology"},
	{ID: "maths", Name: "Mathematics"},
}

var levels = []ExplanationLevel{
	{
		ID:    LevelGeneral,
		Label: "General Explanation",
		SystemInstruction: "You are Learnova, a friendly and knowledgeable AI study assistant. Your goal is to explain concepts clearly and accurately. " +
			"Format your answers using markdown for readability, including headings, bold text, and lists where appropriate.",
	},
	{
		ID:    "class_6",
		Label: "For Class 6",
		SystemInstruction: "Explain this concept in a very simple way that a 6th-grade student can easily understand. " +
			"Use simple analogies and avoid complex jargon.",
	},
	{
		ID:    "class_10",
		Label: "For Class 10",
		SystemInstruction: "Explain this concept as you would to a 10th-grade student. You can assume basic knowledge of science and math. " +
			"The explanation should be clear, concise, and help with board exam preparation.",
	},
	{
		ID:    "neet_jee",
		Label: "For NEET/JEE Aspirants",
		SystemInstruction: "Explain this concept in-depth, suitable for a student preparing for competitive exams like NEET or JEE. " +
			"Cover all nuances, formulas, and potential trick questions. Be technically accurate and thorough.",
	},
}

func Subjects() []Subject {
	return append([]Subject(nil), subjects...)
}

func ExplanationLevels() []ExplanationLevel {
	return append([]ExplanationLevel(nil), levels...)
}

// LookupSubject reports whether id names a known subject.
func LookupSubject(id string) (Subject, bool) {
	for _, s := range subjects {
		if s.ID == id {
			return s, true
		}
	}
	return Subject{}, false
}

// LookupLevel falls back to the general level for unknown ids.
func LookupLevel(id string) ExplanationLevel {
	for _, l := range levels {
		if l.ID == id {
			return l
		}
	}
	return levels[0]
}

// ComposePrompt prefixes the question with the subject name unless the
// subject is general or unknown.
func ComposePrompt(subjectID, question string) string {
	s, ok := LookupSubject(subjectID)
	if !ok || s.ID == SubjectGeneral {
		return question
	}
	return fmt.Sprintf("Subject: %s. Question: %s", s.Name, question)
}
