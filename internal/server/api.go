package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shaunagostinho/psoc-bridge/internal/command"
	"github.com/shaunagostinho/psoc-bridge/internal/echo"
	"github.com/shaunagostinho/psoc-bridge/internal/usbdev"
	"github.com/shaunagostinho/psoc-bridge/internal/wire"
)

const (
	defaultEchoCount = 10
	maxEchoCount     = 1000
)

var commandIDs = map[string]byte{
	"read":    wire.CmdRead,
	"write":   wire.CmdWrite,
	"status":  wire.CmdStatus,
	"reset":   wire.CmdReset,
	"version": wire.CmdVersion,
	"echo":    wire.CmdEchoString,
}

type commandRequest struct {
	Command string `json:"command"`
	Value   string `json:"value,omitempty"` // hex state byte for write
	Text    string `json:"text,omitempty"`  // echo text
}

type commandResponse struct {
	Command  string     `json:"command"`
	Result   string     `json:"result"`
	Response wire.Frame `json:"response"`
	Summary  string     `json:"summary"`
}

type canSendRequest struct {
	ID    string `json:"id"`
	DLC   uint8  `json:"dlc"`
	Data  string `json:"data"`
	Flags uint8  `json:"flags"`
}

type echoRequest struct {
	Target  string `json:"target"` // "usb" or "serial"
	Payload string `json:"payload"`
	Count   int    `json:"count"`
}

type echoResponse struct {
	Stats echo.Stats `json:"stats"`
	Error string     `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// errorStatus maps device-side failures to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, usbdev.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, command.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

// parseCommand validates a request and returns the command ID and payload.
func parseCommand(req commandRequest) (byte, []byte, error) {
	name := strings.ToLower(strings.TrimSpace(req.Command))
	id, ok := commandIDs[name]
	if !ok {
		return 0, nil, fmt.Errorf("unknown command %q", req.Command)
	}
	switch id {
	case wire.CmdWrite:
		v := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(req.Value), "0x"), "0X")
		n, err := strconv.ParseUint(v, 16, 8)
		if err != nil {
			return 0, nil, fmt.Errorf("write needs a hex byte value, got %q", req.Value)
		}
		return id, []byte{byte(n)}, nil
	case wire.CmdEchoString:
		if req.Text == "" {
			return 0, nil, errors.New("echo needs text")
		}
		if len(req.Text) > command.MaxEchoText {
			return 0, nil, fmt.Errorf("echo text of %d bytes exceeds %d", len(req.Text), command.MaxEchoText)
		}
		return id, []byte(req.Text), nil
	}
	return id, nil, nil
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, payload, err := parseCommand(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var resp wire.Frame
	err = s.binder.Exec(r.Context(), func(ctx context.Context, ch *command.Channel) error {
		var err error
		resp, err = ch.Do(ctx, id, payload)
		return err
	})

	var rejected *command.RejectedError
	switch {
	case errors.As(err, &rejected):
		writeJSON(w, http.StatusUnprocessableEntity, commandResponse{
			Command:  wire.CommandName(id),
			Result:   wire.ResultName(rejected.Response.Result()),
			Response: rejected.Response,
			Summary:  rejected.Response.Describe(),
		})
		return
	case err != nil:
		log.Printf("[api] command %s failed: %v", wire.CommandName(id), err)
		writeError(w, errorStatus(err), err)
		return
	}

	writeJSON(w, http.StatusOK, commandResponse{
		Command:  wire.CommandName(id),
		Result:   wire.ResultName(resp.Result()),
		Response: resp,
		Summary:  resp.Describe(),
	})
}

func (s *Server) handleCANSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req canSendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := wire.ParseID(req.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	data, err := wire.ParseHexData(req.Data, req.DLC)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	msg, err := s.binder.SendCAN(r.Context(), wire.CanRecord{
		DeviceTimestamp: uint32(time.Now().UnixMilli()),
		ID:              id,
		Data:            data,
		Length:          req.DLC,
		Flags:           req.Flags,
	})
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) exchanger(target string) (echo.Exchanger, func(), error) {
	switch target {
	case "", "usb":
		return echo.NewUSB(s.binder), func() {}, nil
	case "serial":
		sp, err := s.openSerial(s.cfg.SerialEchoConfig())
		if err != nil {
			return nil, nil, err
		}
		return sp, func() { sp.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown echo target %q", target)
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req echoRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	interval, payload := s.cfg.EchoDefaults()
	if req.Payload != "" {
		payload = req.Payload
	}
	if req.Target != "serial" && len(payload) > command.MaxEchoText {
		writeError(w, http.StatusBadRequest, fmt.Errorf("payload of %d bytes exceeds %d", len(payload), command.MaxEchoText))
		return
	}
	count := req.Count
	if count <= 0 {
		count = defaultEchoCount
	}
	if count > maxEchoCount {
		count = maxEchoCount
	}

	if !s.echoMu.TryLock() {
		writeError(w, http.StatusConflict, errors.New("echo run already in progress"))
		return
	}
	defer s.echoMu.Unlock()

	ex, release, err := s.exchanger(req.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer release()

	stats, err := echo.Run(r.Context(), ex, echo.Config{
		Interval: interval,
		Count:    count,
		Payload:  []byte(payload),
	})
	if err != nil {
		writeJSON(w, errorStatus(err), echoResponse{Stats: stats, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, echoResponse{Stats: stats})
}

func (s *Server) handleLogging(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		s.logger.SetEnabled(req.Enabled)
		s.cfg.SetLoggingEnabled(req.Enabled)
		log.Printf("[api] logging enabled=%v", req.Enabled)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": s.logger.IsEnabled(),
		"file":    s.logger.CurrentFile(),
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save error: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		// Timing and identity changes apply on the next bind or restart;
		// the logging toggle applies now.
		s.logger.SetEnabled(s.cfg.LoggerConfig().Enabled)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
