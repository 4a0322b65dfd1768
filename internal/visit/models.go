// Package visit owns the visit lifecycle: SCHEDULED -> IN_PROGRESS on
// clock-in, then COMPLETED on clock-out or CANCELLED. The service in the
// service subpackage is the only writer of Visit.Status.
package visit

import (
	"time"

	"github.com/google/uuid"

	"carebridge/internal/evv"
	"carebridge/internal/geo"
	id "carebridge/pkg/domain"
)

// Status is the visit lifecycle state. COMPLETED and CANCELLED are terminal.
type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Task is one required care task on a visit. Critical tasks hard-block
// clock-out until completed.
type Task struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Critical    bool       `json:"critical"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Note is a free-text observation the caregiver records during a visit.
type Note struct {
	ID        uuid.UUID `json:"id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ServiceAddress is the client's registered location for this visit. The
// state code drives aggregator routing; the coordinates anchor the geofence.
type ServiceAddress struct {
	Line1     string       `json:"line1"`
	City      string       `json:"city"`
	StateCode id.StateCode `json:"state_code"`
	Zip       string       `json:"zip"`
	Latitude  float64      `json:"latitude"`
	Longitude float64      `json:"longitude"`
}

// Point returns the geofence center for this address.
func (a ServiceAddress) Point() geo.Point {
	return geo.Point{Latitude: a.Latitude, Longitude: a.Longitude}
}

// Visit is a scheduled unit of care.
type Visit struct {
	ID          id.VisitID
	OrgID       id.OrgID
	BranchID    id.BranchID
	ClientID    id.ClientID
	CaregiverID id.CaregiverID
	PayerID     id.PayerID

	ScheduledStart time.Time
	ScheduledEnd   time.Time
	ServiceType    string
	Address        ServiceAddress
	Tasks          []Task

	Status Status

	// CaregiverScreened is attested by HR at scheduling time when the payer
	// requires level 2 screening.
	CaregiverScreened bool

	ClockIn           *evv.ClockVerification
	ClockOut          *evv.ClockVerification
	SignatureCaptured bool
	Notes             []Note
	CancelReason      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the visit can no longer transition.
func (v *Visit) Terminal() bool {
	return v.Status == StatusCompleted || v.Status == StatusCancelled
}

// IncompleteCriticalTasks lists critical tasks still open.
func (v *Visit) IncompleteCriticalTasks() []Task {
	var out []Task
	for _, t := range v.Tasks {
		if t.Critical && !t.Completed {
			out = append(out, t)
		}
	}
	return out
}

// TaskStatuses projects the task list into the compliance evaluator's view.
func (v *Visit) TaskStatuses() []evv.TaskStatus {
	out := make([]evv.TaskStatus, 0, len(v.Tasks))
	for _, t := range v.Tasks {
		out = append(out, evv.TaskStatus{Name: t.Name, Critical: t.Critical, Completed: t.Completed})
	}
	return out
}

// Rejection reason codes surfaced to the caregiver on hard blocks.
const (
	ReasonGeofence                = "GEOFENCE_ERROR"
	ReasonCriticalTasksIncomplete = "CRITICAL_TASKS_INCOMPLETE"
)
