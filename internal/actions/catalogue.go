// Package actions defines the finite set of user mutations that can be queued
// for offline delivery and how each one maps onto the backend REST API.
package actions

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"fitsync/internal/constants"
	apperrors "fitsync/internal/errors"
	"fitsync/internal/validation"
)

// Known action types
const (
	BookingCreate = "booking.create"
	BookingCancel = "booking.cancel"
	ProfileUpdate = "profile.update"
	CheckinRecord = "checkin.record"
	WorkoutLog    = "workout.log"
)

// Backend tables
const (
	tableBookings      = "reservas_clases"
	tableProfiles      = "perfiles"
	tableCheckins      = "checkins_diarios"
	tableWorkouts      = "registros_entrenamiento"
	TablePushEndpoints = "suscripciones_push"
)

// Request is the REST call that delivers one action
type Request struct {
	Method string
	// Path is relative to the backend base URL and includes any row filter
	Path string
	Body []byte
	// Create marks inserts; a 409 conflict on replay means already applied
	Create bool
}

// Payload is implemented by every typed action payload
type Payload interface {
	Validate() error
	Request() (Request, error)
}

type definition struct {
	newPayload func() Payload
}

var catalogue = map[string]definition{
	BookingCreate: {newPayload: func() Payload { return &BookingCreatePayload{} }},
	BookingCancel: {newPayload: func() Payload { return &BookingCancelPayload{} }},
	ProfileUpdate: {newPayload: func() Payload { return &ProfileUpdatePayload{} }},
	CheckinRecord: {newPayload: func() Payload { return &CheckinPayload{} }},
	WorkoutLog:    {newPayload: func() Payload { return &WorkoutLogPayload{} }},
}

// Types returns the known action types sorted by name
func Types() []string {
	types := make([]string, 0, len(catalogue))
	for t := range catalogue {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Known reports whether actionType is in the catalogue
func Known(actionType string) bool {
	_, ok := catalogue[actionType]
	return ok
}

// Decode parses and validates a raw payload for the given type
func Decode(actionType string, raw json.RawMessage) (Payload, error) {
	def, ok := catalogue[actionType]
	if !ok {
		return nil, apperrors.NewInvalidActionError(actionType, fmt.Sprintf("unknown action type %q", actionType))
	}
	if len(raw) == 0 {
		return nil, apperrors.NewInvalidActionError(actionType, "payload is required")
	}

	payload := def.newPayload()
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, apperrors.NewInvalidActionError(actionType, fmt.Sprintf("invalid payload: %v", err))
	}
	if err := payload.Validate(); err != nil {
		return nil, apperrors.NewInvalidActionError(actionType, err.Error())
	}
	return payload, nil
}

// Validate checks a raw payload against its type without building a request
func Validate(actionType string, raw json.RawMessage) error {
	_, err := Decode(actionType, raw)
	return err
}

// Route decodes the payload and returns the REST call that delivers it
func Route(actionType string, raw json.RawMessage) (Request, error) {
	payload, err := Decode(actionType, raw)
	if err != nil {
		return Request{}, err
	}
	req, err := payload.Request()
	if err != nil {
		return Request{}, apperrors.NewInvalidActionError(actionType, err.Error())
	}
	return req, nil
}

func tablePath(table string) string {
	return constants.DefaultRESTPrefix + "/" + table
}

// rowPath builds a PostgREST row filter such as /rest/v1/perfiles?id=eq.u1
func rowPath(table, column, value string) string {
	return tablePath(table) + "?" + column + "=" + url.QueryEscape("eq."+value)
}

func insert(table string, body any) (Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Request{}, err
	}
	return Request{Method: http.MethodPost, Path: tablePath(table), Body: data, Create: true}, nil
}

func optionalDate(value string) error {
	if value == "" {
		return nil
	}
	return validation.ValidateDate(value, "fecha")
}
