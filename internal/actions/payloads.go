package actions

import (
	"encoding/json"
	"fmt"
	"net/http"

	"fitsync/internal/constants"
	"fitsync/internal/validation"
)

// BookingCreatePayload books a member into a class
type BookingCreatePayload struct {
	ClassID int64  `json:"classId"`
	UserID  string `json:"userId,omitempty"`
	Date    string `json:"fecha,omitempty"`
}

func (p *BookingCreatePayload) Validate() error {
	if p.ClassID <= 0 {
		return fmt.Errorf("classId must be positive")
	}
	if p.UserID != "" {
		if err := validation.ValidateIdentifier(p.UserID, "userId"); err != nil {
			return err
		}
	}
	return optionalDate(p.Date)
}

func (p *BookingCreatePayload) Request() (Request, error) {
	row := map[string]any{"clase_id": p.ClassID}
	if p.UserID != "" {
		row["usuario_id"] = p.UserID
	}
	if p.Date != "" {
		row["fecha"] = p.Date
	}
	return insert(tableBookings, row)
}

// BookingCancelPayload cancels an existing booking
type BookingCancelPayload struct {
	BookingID string `json:"bookingId"`
}

func (p *BookingCancelPayload) Validate() error {
	return validation.ValidateIdentifier(p.BookingID, "bookingId")
}

func (p *BookingCancelPayload) Request() (Request, error) {
	return Request{Method: http.MethodDelete, Path: rowPath(tableBookings, "id", p.BookingID)}, nil
}

// ProfileUpdatePayload patches columns of a member profile
type ProfileUpdatePayload struct {
	UserID string         `json:"userId"`
	Fields map[string]any `json:"fields"`
}

func (p *ProfileUpdatePayload) Validate() error {
	if err := validation.ValidateIdentifier(p.UserID, "userId"); err != nil {
		return err
	}
	if len(p.Fields) == 0 {
		return fmt.Errorf("fields must not be empty")
	}
	if _, ok := p.Fields["id"]; ok {
		return fmt.Errorf("fields must not change the profile id")
	}
	return nil
}

func (p *ProfileUpdatePayload) Request() (Request, error) {
	body, err := json.Marshal(p.Fields)
	if err != nil {
		return Request{}, err
	}
	return Request{Method: http.MethodPatch, Path: rowPath(tableProfiles, "id", p.UserID), Body: body}, nil
}

// CheckinPayload records the daily wellness check-in
type CheckinPayload struct {
	UserID     string `json:"userId"`
	Date       string `json:"fecha,omitempty"`
	Mood       int    `json:"animo,omitempty"`
	Energy     int    `json:"energia,omitempty"`
	SleepHours int    `json:"horas_sueno,omitempty"`
	Notes      string `json:"notas,omitempty"`
}

func (p *CheckinPayload) Validate() error {
	if err := validation.ValidateIdentifier(p.UserID, "userId"); err != nil {
		return err
	}
	if err := validation.ValidateNumericRange(p.Mood, "animo", 0, 10); err != nil {
		return err
	}
	if err := validation.ValidateNumericRange(p.Energy, "energia", 0, 10); err != nil {
		return err
	}
	if err := validation.ValidateNumericRange(p.SleepHours, "horas_sueno", 0, 24); err != nil {
		return err
	}
	if err := validation.ValidateStringLength(p.Notes, "notas", 0, constants.MaxNoteLength); err != nil {
		return err
	}
	return optionalDate(p.Date)
}

func (p *CheckinPayload) Request() (Request, error) {
	row := map[string]any{
		"usuario_id":  p.UserID,
		"animo":       p.Mood,
		"energia":     p.Energy,
		"horas_sueno": p.SleepHours,
	}
	if p.Date != "" {
		row["fecha"] = p.Date
	}
	if p.Notes != "" {
		row["notas"] = p.Notes
	}
	return insert(tableCheckins, row)
}

// WorkoutLogPayload stores one completed exercise set
type WorkoutLogPayload struct {
	UserID     string  `json:"userId"`
	ExerciseID string  `json:"exerciseId"`
	Sets       int     `json:"series,omitempty"`
	Reps       int     `json:"repeticiones,omitempty"`
	WeightKg   float64 `json:"peso_kg,omitempty"`
	Date       string  `json:"fecha,omitempty"`
}

func (p *WorkoutLogPayload) Validate() error {
	if err := validation.ValidateIdentifier(p.UserID, "userId"); err != nil {
		return err
	}
	if err := validation.ValidateIdentifier(p.ExerciseID, "exerciseId"); err != nil {
		return err
	}
	if p.Sets < 0 || p.Reps < 0 {
		return fmt.Errorf("series and repeticiones must not be negative")
	}
	if err := validation.ValidateNonNegative(p.WeightKg, "peso_kg"); err != nil {
		return err
	}
	return optionalDate(p.Date)
}

func (p *WorkoutLogPayload) Request() (Request, error) {
	row := map[string]any{
		"usuario_id":   p.UserID,
		"ejercicio_id": p.ExerciseID,
		"series":       p.Sets,
		"repeticiones": p.Reps,
		"peso_kg":      p.WeightKg,
	}
	if p.Date != "" {
		row["fecha"] = p.Date
	}
	return insert(tableWorkouts, row)
}
