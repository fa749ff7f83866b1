package domain

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// EventName names a server → client broadcast.
type EventName string

const (
	EventTaskCreated    EventName = "taskCreated"
	EventTaskEdited     EventName = "taskEdited"
	EventTaskMoved      EventName = "taskMoved"
	EventTaskReordered  EventName = "taskReordered"
	EventTaskDeleted    EventName = "taskDeleted"
	EventActionRejected EventName = "actionRejected"
	EventPresenceUpdate EventName = "presenceUpdate"
)

// Event is a decoded broadcast. Which fields are set depends on Name.
type Event struct {
	Name      EventName
	Task      *Task
	ClientID  string
	TaskID    string
	Rejection *Rejection
	Users     []Presence
}

// Rejection is sent only to the connection that issued the failed command.
type Rejection struct {
	Type      CommandType `json:"type"`
	ID        string      `json:"id,omitempty"`
	CommandID string      `json:"commandId,omitempty"`
	ClientID  string      `json:"clientId,omitempty"`
	Reason    string      `json:"reason"`
	Message   string      `json:"message,omitempty"`
}

// Presence describes one connected user.
type Presence struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

type eventFrame struct {
	Event EventName       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type taskCreatedData struct {
	Task     Task   `json:"task"`
	ClientID string `json:"clientId,omitempty"`
}

type taskDeletedData struct {
	ID string `json:"id"`
}

func TaskCreatedEvent(t Task, clientID string) Event {
	return Event{Name: EventTaskCreated, Task: &t, ClientID: clientID}
}

func TaskChangedEvent(name EventName, t Task) Event {
	return Event{Name: name, Task: &t}
}

func TaskDeletedEvent(id string) Event {
	return Event{Name: EventTaskDeleted, TaskID: id}
}

func RejectedEvent(r Rejection) Event {
	return Event{Name: EventActionRejected, Rejection: &r}
}

func PresenceEvent(users []Presence) Event {
	return Event{Name: EventPresenceUpdate, Users: users}
}

// EventFor returns the broadcast emitted after a successful command.
func EventFor(t CommandType) EventName {
	switch t {
	case CommandCreateTask:
		return EventTaskCreated
	case CommandEditTask:
		return EventTaskEdited
	case CommandMoveTask:
		return EventTaskMoved
	case CommandReorderTask:
		return EventTaskReordered
	case CommandDeleteTask:
		return EventTaskDeleted
	}
	return ""
}

// Encode renders the event as a wire frame.
func (e Event) Encode() ([]byte, error) {
	var payload any
	switch e.Name {
	case EventTaskCreated:
		if e.Task == nil {
			return nil, fmt.Errorf("%s without task", e.Name)
		}
		payload = taskCreatedData{Task: *e.Task, ClientID: e.ClientID}
	case EventTaskEdited, EventTaskMoved, EventTaskReordered:
		if e.Task == nil {
			return nil, fmt.Errorf("%s without task", e.Name)
		}
		payload = e.Task
	case EventTaskDeleted:
		payload = taskDeletedData{ID: e.TaskID}
	case EventActionRejected:
		if e.Rejection == nil {
			return nil, fmt.Errorf("%s without rejection", e.Name)
		}
		payload = e.Rejection
	case EventPresenceUpdate:
		users := e.Users
		if users == nil {
			users = []Presence{}
		}
		payload = users
	default:
		return nil, fmt.Errorf("unknown event %q", e.Name)
	}
	data, err := sonic.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(eventFrame{Event: e.Name, Data: data})
}

// DecodeEvent parses a wire frame produced by Encode.
func DecodeEvent(raw []byte) (Event, error) {
	var frame eventFrame
	if err := sonic.Unmarshal(raw, &frame); err != nil {
		return Event{}, err
	}
	ev := Event{Name: frame.Event}
	switch frame.Event {
	case EventTaskCreated:
		var d taskCreatedData
		if err := sonic.Unmarshal(frame.Data, &d); err != nil {
			return Event{}, err
		}
		ev.Task = &d.Task
		ev.ClientID = d.ClientID
	case EventTaskEdited, EventTaskMoved, EventTaskReordered:
		var t Task
		if err := sonic.Unmarshal(frame.Data, &t); err != nil {
			return Event{}, err
		}
		ev.Task = &t
	case EventTaskDeleted:
		var d taskDeletedData
		if err := sonic.Unmarshal(frame.Data, &d); err != nil {
			return Event{}, err
		}
		ev.TaskID = d.ID
	case EventActionRejected:
		var r Rejection
		if err := sonic.Unmarshal(frame.Data, &r); err != nil {
			return Event{}, err
		}
		ev.Rejection = &r
	case EventPresenceUpdate:
		if err := sonic.Unmarshal(frame.Data, &ev.Users); err != nil {
			return Event{}, err
		}
	default:
		return Event{}, fmt.Errorf("unknown event %q", frame.Event)
	}
	return ev, nil
}
