package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/scrapeindex/internal/dispatch"
	"github.com/xxxsen/scrapeindex/internal/pkg/response"
)

// Standard json-rpc 2.0 codes for envelope level failures. Method failures
// carry the dispatcher's own codes.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
)

type RPCHandler struct {
	dispatcher *dispatch.Dispatcher
}

func NewRPCHandler(d *dispatch.Dispatcher) *RPCHandler {
	return &RPCHandler{dispatcher: d}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string             `json:"jsonrpc"`
	ID      json.RawMessage    `json:"id"`
	Result  interface{}        `json:"result,omitempty"`
	Error   *dispatch.RPCError `json:"error,omitempty"`
}

func (h *RPCHandler) Call(c *gin.Context) {
	var req rpcRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &dispatch.RPCError{Code: rpcParseError, Message: "parse error"},
		})
		return
	}
	id := req.ID
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		c.JSON(http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &dispatch.RPCError{Code: rpcInvalidRequest, Message: "invalid request"},
		})
		return
	}
	res, rpcErr := h.dispatcher.Call(c.Request.Context(), req.Method, req.Params)
	c.JSON(http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: id, Result: res, Error: rpcErr})
}

func (h *RPCHandler) ListTools(c *gin.Context) {
	response.Success(c, dispatch.ListToolsResult{Tools: dispatch.Tools()})
}
