// Package envelope defines the JSON frames exchanged over the relay's
// WebSocket endpoint. Inbound frames decode into one of the concrete envelope
// types below; frames that do not match a known shape are rejected with
// ErrMalformed, and frames with an unrecognised command decode to Unknown.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"unicode"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// Command is the discriminator carried in the "command" field of every frame.
type Command string

const (
	CommandRegister   Command = "register"
	CommandMessage    Command = "message"
	CommandRegistered Command = "registered"
)

// MaxUserIDLength bounds the size of a UserID in bytes.
const MaxUserIDLength = 128

var (
	ErrMalformed     = errors.New("malformed envelope")
	ErrInvalidUserID = errors.New("invalid user id")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("userid", func(fl validator.FieldLevel) bool {
		return validUserID(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	return v
}

// UserID identifies a chat participant. It is supplied by the client or the
// identity provider and is never generated by the relay. On the wire it may be
// a JSON string or a JSON number. Integer-valued numbers are normalised to
// their decimal form, so 1, 1.0 and 1e0 are the same user; other numbers keep
// their literal text.
type UserID string

// UnmarshalJSON accepts either a string or a number.
func (u *UserID) UnmarshalJSON(b []byte) error {
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()
	var v any
	if err := d.Decode(&v); err != nil {
		return err
	}
	switch t := v.(type) {
	case string:
		*u = UserID(t)
	case json.Number:
		*u = UserID(numberText(t))
	case nil:
		*u = ""
	default:
		return fmt.Errorf("user id must be a string or a number, got %T", v)
	}
	return nil
}

func numberText(n json.Number) string {
	r, ok := new(big.Rat).SetString(n.String())
	if ok && r.IsInt() {
		return r.Num().String()
	}
	return n.String()
}

// ValidateUserID reports whether u is usable as a routing key.
func ValidateUserID(u UserID) error {
	if !validUserID(string(u)) {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, u)
	}
	return nil
}

func validUserID(s string) bool {
	if s == "" || len(s) > MaxUserIDLength || !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// Envelope is implemented by every frame type.
type Envelope interface {
	Command() Command
}

// Register binds the sending connection to a user.
type Register struct {
	UserID UserID
}

func (Register) Command() Command { return CommandRegister }

// Message is a one-to-one chat message addressed to a user, never to a
// connection.
type Message struct {
	From UserID
	To   UserID
	Body string
}

func (Message) Command() Command { return CommandMessage }

// Registered acknowledges a Register. It is only ever sent by the relay.
type Registered struct {
	UserID       UserID
	ConnectionID string
}

func (Registered) Command() Command { return CommandRegistered }

// Unknown is returned for a well-formed frame whose command the relay does
// not understand.
type Unknown struct {
	Name Command
}

func (u Unknown) Command() Command { return u.Name }

type registerFrame struct {
	UserID UserID `json:"userId" validate:"userid"`
}

type messageFrame struct {
	From UserID  `json:"from" validate:"userid"`
	To   UserID  `json:"to" validate:"userid"`
	Body *string `json:"message" validate:"required"`
}

// Decode parses one inbound text frame. Any error wraps ErrMalformed.
func Decode(data []byte) (Envelope, error) {
	var head struct {
		Command *Command `json:"command"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if head.Command == nil {
		return nil, fmt.Errorf("%w: missing command", ErrMalformed)
	}

	switch *head.Command {
	case CommandRegister:
		var f registerFrame
		if err := decodeFrame(data, &f); err != nil {
			return nil, err
		}
		return Register{UserID: f.UserID}, nil
	case CommandMessage:
		var f messageFrame
		if err := decodeFrame(data, &f); err != nil {
			return nil, err
		}
		return Message{From: f.From, To: f.To, Body: *f.Body}, nil
	default:
		return Unknown{Name: *head.Command}, nil
	}
}

func decodeFrame(data []byte, frame any) error {
	if err := json.Unmarshal(data, frame); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := validate.Struct(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

// Encode serialises an outbound envelope. Unknown envelopes cannot be encoded.
func Encode(env Envelope) ([]byte, error) {
	switch e := env.(type) {
	case Register:
		return json.Marshal(struct {
			Command Command `json:"command"`
			UserID  UserID  `json:"userId"`
		}{CommandRegister, e.UserID})
	case Message:
		return json.Marshal(struct {
			Command Command `json:"command"`
			From    UserID  `json:"from"`
			To      UserID  `json:"to"`
			Body    string  `json:"message"`
		}{CommandMessage, e.From, e.To, e.Body})
	case Registered:
		return json.Marshal(struct {
			Command      Command `json:"command"`
			UserID       UserID  `json:"userId"`
			ConnectionID string  `json:"connectionId"`
		}{CommandRegistered, e.UserID, e.ConnectionID})
	default:
		return nil, fmt.Errorf("cannot encode %T", env)
	}
}
