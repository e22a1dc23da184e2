// Package control is the per-camera control channel: a local TCP endpoint
// answering status queries and terminate requests, plus its client.
//
// Every message is a 4-byte big-endian length followed by a msgpack payload.
// Requests and replies alternate strictly on one connection.
package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	CmdStatus    = "status?"
	CmdTerminate = "terminate!"

	ReplyOK           = "OK"
	ReplyStatus       = "Status"
	ReplyUnauthorized = "Unauthorized"
	unknownPrefix     = "UnknownCommand: "

	maxMessageSize = 1 << 20
)

var (
	ErrUnauthorized   = errors.New("control: unauthorized")
	ErrUnknownCommand = errors.New("control: unknown command")
	ErrMessageTooBig  = errors.New("control: message too big")
)

// Request is one client message. The first request on an authenticated
// channel carries only Token.
type Request struct {
	Command string `msgpack:"command"`
	Token   string `msgpack:"token,omitempty"`
}

// Response is one server reply. Status is set for CmdStatus.
type Response struct {
	Reply  string  `msgpack:"reply"`
	Status *Status `msgpack:"status,omitempty"`
}

// Status is the fixed-shape worker status record.
type Status struct {
	CameraIndex       int     `msgpack:"camera_index" json:"camera_index"`
	EstimatedFPS      float64 `msgpack:"estimated_fps" json:"estimated_fps"`
	FramesDecoded     uint64  `msgpack:"frames_decoded" json:"frames_decoded"`
	FramesSkipped     uint64  `msgpack:"frames_skipped" json:"frames_skipped"`
	ConnectionProblem bool    `msgpack:"connection_problem" json:"connection_problem"`

	WorkerID       string  `msgpack:"worker_id" json:"worker_id"`
	Title          string  `msgpack:"title" json:"title"`
	Reachable      bool    `msgpack:"reachable" json:"reachable"`
	RecordingState string  `msgpack:"recording_state" json:"recording_state"`
	ClipsRecorded  uint64  `msgpack:"clips_recorded" json:"clips_recorded"`
	LastQuality    float64 `msgpack:"last_quality" json:"last_quality"`
	UptimeSeconds  float64 `msgpack:"uptime_seconds" json:"uptime_seconds"`
}

func unknownReply(cmd string) string {
	return unknownPrefix + cmd
}

// IsUnknown reports whether reply rejects a command.
func IsUnknown(reply string) bool {
	return strings.HasPrefix(reply, unknownPrefix)
}

// WriteMessage encodes v with msgpack and writes it length-prefixed.
func WriteMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(payload) > maxMessageSize {
		return ErrMessageTooBig
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed msgpack message into v.
// A clean EOF before the length prefix is returned as io.EOF.
func ReadMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("read length prefix: %w", err)
		}
		return err
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return ErrMessageTooBig
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read message body: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}

// Subject is the token subject accepted by the channel of camera idx.
func Subject(idx int) string {
	return fmt.Sprintf("camera-%d", idx)
}

// IssueToken signs a token for the channel of camera idx.
func IssueToken(secret string, idx int, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   Subject(idx),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	ss, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return ss, nil
}

// VerifyToken checks that token was signed with secret for camera idx.
func VerifyToken(secret string, idx int, token string) error {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (interface{}, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(Subject(idx)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !parsed.Valid {
		return ErrUnauthorized
	}
	return nil
}
