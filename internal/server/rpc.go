package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/park285/cheese-rooms/internal/coordinator"
	"github.com/park285/cheese-rooms/internal/game"
	"github.com/park285/cheese-rooms/internal/obslog"
	"github.com/park285/cheese-rooms/internal/rules"
	"github.com/park285/cheese-rooms/pkg/roomdto"
	"go.uber.org/zap"
)

func (s *Server) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	var req roomdto.CreateGameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := s.coord.Create(req.RoomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roomdto.GameStateResponse{RoomID: req.RoomID, Position: view})
}

func (s *Server) handleGetGameState(w http.ResponseWriter, r *http.Request) {
	var req roomdto.GetGameStateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	view, err := s.coord.State(req.RoomID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roomdto.GameStateResponse{RoomID: req.RoomID, Position: view})
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req roomdto.MoveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	mv, err := rules.ParseMove(req.From, req.To, req.Promotion)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", coordinator.ErrInvalidMove, err))
		return
	}
	res, err := s.coord.Move(r.Context(), coordinator.MoveRequest{
		RoomID: req.RoomID,
		Move:   mv,
		Origin: req.ConnID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roomdto.GameStateResponse{RoomID: res.RoomID, Position: res.View()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var req roomdto.HistoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	entries, err := s.coord.History(req.RoomID)
	if err != nil {
		writeError(w, err)
		return
	}
	moves := make([]roomdto.MoveView, 0, len(entries))
	for _, h := range entries {
		moves = append(moves, roomdto.MoveView{UCI: h.UCI, SAN: h.SAN, FEN: h.FEN, At: h.At})
	}
	out := roomdto.HistoryResponse{RoomID: req.RoomID, Moves: moves}
	if code, title := s.coord.Opening(entries); code != "" {
		out.Opening = &roomdto.OpeningView{Code: code, Title: title}
	}
	writeJSON(w, http.StatusOK, out)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, roomdto.ErrorResponse{Error: roomdto.DomainError{
			Code:    roomdto.CodeBadRequest,
			Message: "invalid request body",
		}})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		obslog.L().Debug("rpc_write_error", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, derr := toDomainError(err)
	if status >= http.StatusInternalServerError {
		obslog.L().Error("rpc_error", zap.String("code", derr.Code), zap.Error(err))
	}
	writeJSON(w, status, roomdto.ErrorResponse{Error: derr})
}

// toDomainError maps coordinator sentinels to the wire error and status.
func toDomainError(err error) (int, roomdto.DomainError) {
	switch {
	case errors.Is(err, coordinator.ErrRoomNotFound):
		return http.StatusNotFound, roomdto.DomainError{Code: roomdto.CodeRoomNotFound, Message: "room not found"}
	case errors.Is(err, coordinator.ErrInvalidMove):
		return http.StatusUnprocessableEntity, roomdto.DomainError{Code: roomdto.CodeInvalidMove, Message: err.Error()}
	case errors.Is(err, coordinator.ErrMalformedState):
		return http.StatusConflict, roomdto.DomainError{Code: roomdto.CodeMalformedState, Message: "room state is corrupted"}
	case errors.Is(err, game.ErrInvalidRoomID):
		return http.StatusBadRequest, roomdto.DomainError{Code: roomdto.CodeBadRequest, Message: "roomId is required"}
	case errors.Is(err, game.ErrRegistryFull):
		return http.StatusServiceUnavailable, roomdto.DomainError{Code: roomdto.CodeUnavailable, Message: "room capacity reached", Retryable: true}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, roomdto.DomainError{Code: roomdto.CodeUnavailable, Message: "request cancelled", Retryable: true}
	default:
		return http.StatusInternalServerError, roomdto.DomainError{Code: roomdto.CodeInternal, Message: "internal error"}
	}
}
