package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// CommandType names a client → server command variant.
type CommandType string

const (
	CommandCreateTask  CommandType = "createTask"
	CommandEditTask    CommandType = "editTask"
	CommandMoveTask    CommandType = "moveTask"
	CommandReorderTask CommandType = "reorderTask"
	CommandDeleteTask  CommandType = "deleteTask"
	CommandJoinBoard   CommandType = "joinBoard"
)

// MaxTitleLength bounds task titles accepted at the boundary.
const MaxTitleLength = 500

// Command is implemented by every command variant.
type Command interface {
	Type() CommandType
	Validate() error
}

// Envelope is the wire frame carrying one command.
type Envelope struct {
	Type CommandType `json:"type"`
	// CommandID is generated by the client and used as idempotency key.
	CommandID string          `json:"commandId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type CreateTask struct {
	// ClientID correlates the optimistic record with the taskCreated broadcast.
	ClientID    string  `json:"clientId,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Column      Column  `json:"column"`
}

type EditTask struct {
	ID          string  `json:"id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Version     int64   `json:"version"`
}

type MoveTask struct {
	ID           string    `json:"id"`
	ToColumn     Column    `json:"toColumn"`
	PrevPosition *float64  `json:"prevPosition,omitempty"`
	NextPosition *float64  `json:"nextPosition,omitempty"`
	Version      int64     `json:"version"`
	Timestamp    time.Time `json:"timestamp"`
}

type ReorderTask struct {
	ID         string  `json:"id"`
	PrevTaskID *string `json:"prevTaskId,omitempty"`
	NextTaskID *string `json:"nextTaskId,omitempty"`
}

type DeleteTask struct {
	ID string `json:"id"`
}

// JoinBoard announces the connection's display name for presence.
type JoinBoard struct {
	Name string `json:"name,omitempty"`
}

func (CreateTask) Type() CommandType  { return CommandCreateTask }
func (EditTask) Type() CommandType    { return CommandEditTask }
func (MoveTask) Type() CommandType    { return CommandMoveTask }
func (ReorderTask) Type() CommandType { return CommandReorderTask }
func (DeleteTask) Type() CommandType  { return CommandDeleteTask }
func (JoinBoard) Type() CommandType   { return CommandJoinBoard }

func (c CreateTask) Validate() error {
	if err := validateTitle(c.Title); err != nil {
		return err
	}
	if !c.Column.Valid() {
		return invalid("column", fmt.Sprintf("unknown column %q", c.Column))
	}
	return nil
}

func (c EditTask) Validate() error {
	if err := validateID(c.ID); err != nil {
		return err
	}
	if c.Title != nil {
		if err := validateTitle(*c.Title); err != nil {
			return err
		}
	}
	if c.Version < 1 {
		return invalid("version", "required for edit")
	}
	return nil
}

func (c MoveTask) Validate() error {
	if err := validateID(c.ID); err != nil {
		return err
	}
	if !c.ToColumn.Valid() {
		return invalid("toColumn", fmt.Sprintf("unknown column %q", c.ToColumn))
	}
	if c.Version < 1 {
		return invalid("version", "required for move")
	}
	if c.Timestamp.IsZero() {
		return invalid("timestamp", "required for move")
	}
	return nil
}

func (c ReorderTask) Validate() error {
	if err := validateID(c.ID); err != nil {
		return err
	}
	if c.PrevTaskID != nil && *c.PrevTaskID == c.ID {
		return invalid("prevTaskId", "task cannot neighbor itself")
	}
	if c.NextTaskID != nil && *c.NextTaskID == c.ID {
		return invalid("nextTaskId", "task cannot neighbor itself")
	}
	return nil
}

func (c DeleteTask) Validate() error {
	return validateID(c.ID)
}

func (c JoinBoard) Validate() error {
	if len(c.Name) > MaxTitleLength {
		return invalid("name", "too long")
	}
	return nil
}

// TaskID returns the task a command targets, or "" for creates.
func TaskID(cmd Command) string {
	switch c := cmd.(type) {
	case EditTask:
		return c.ID
	case MoveTask:
		return c.ID
	case ReorderTask:
		return c.ID
	case DeleteTask:
		return c.ID
	}
	return ""
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid("id", "required")
	}
	return nil
}

func validateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return invalid("title", "required")
	}
	if len(title) > MaxTitleLength {
		return invalid("title", "too long")
	}
	return nil
}

// NewEnvelope wraps cmd in a wire frame.
func NewEnvelope(cmd Command, commandID string) (Envelope, error) {
	data, err := sonic.Marshal(cmd)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: cmd.Type(), CommandID: commandID, Data: data}, nil
}

// DecodeEnvelope parses a raw frame, rejecting unknown fields.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := decodeStrict(raw, &env); err != nil {
		return Envelope{}, invalid("envelope", err.Error())
	}
	if env.Type == "" {
		return Envelope{}, invalid("type", "required")
	}
	return env, nil
}

// Command decodes and validates the variant carried by the envelope.
func (e Envelope) Command() (Command, error) {
	var (
		cmd Command
		err error
	)
	switch e.Type {
	case CommandCreateTask:
		var c CreateTask
		err = e.decodeData(&c)
		cmd = c
	case CommandEditTask:
		var c EditTask
		err = e.decodeData(&c)
		cmd = c
	case CommandMoveTask:
		var c MoveTask
		err = e.decodeData(&c)
		cmd = c
	case CommandReorderTask:
		var c ReorderTask
		err = e.decodeData(&c)
		cmd = c
	case CommandDeleteTask:
		var c DeleteTask
		err = e.decodeData(&c)
		cmd = c
	case CommandJoinBoard:
		var c JoinBoard
		err = e.decodeData(&c)
		cmd = c
	default:
		return nil, invalid("type", fmt.Sprintf("unknown command %q", e.Type))
	}
	if err != nil {
		return nil, invalid("data", err.Error())
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (e Envelope) decodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("missing payload")
	}
	return decodeStrict(e.Data, v)
}

func decodeStrict(raw []byte, v any) error {
	dec := sonic.ConfigStd.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
