package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roach88/dsrflow/internal/dispatcher"
	"github.com/roach88/dsrflow/internal/durable"
	"github.com/roach88/dsrflow/internal/intake"
	"github.com/roach88/dsrflow/internal/outcome"
	"github.com/roach88/dsrflow/internal/record"
)

// MaxDispatchBatch bounds the records accepted by one dispatch call.
const MaxDispatchBatch = 1000

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, intake.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, intake.ErrNotFound), errors.Is(err, durable.ErrInstanceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, intake.ErrConflict), errors.Is(err, intake.ErrNotAbortable),
		errors.Is(err, durable.ErrInstanceNotRunning):
		status = http.StatusConflict
	}

	_ = c.Error(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "request_id": getRequestID(c)})
}

func (s *Server) key(c *gin.Context) (record.Key, bool) {
	key, err := intake.Key(c.Param("operation"), c.Param("identity"))
	if err != nil {
		s.fail(c, err)
		return record.Key{}, false
	}
	return key, true
}

func (s *Server) submit(c *gin.Context) {
	key, ok := s.key(c)
	if !ok {
		return
	}
	rec, err := s.conf.Intake.Submit(c.Request.Context(), key)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, intake.StatusOf(rec))
}

func (s *Server) abort(c *gin.Context) {
	key, ok := s.key(c)
	if !ok {
		return
	}
	if key.Operation != record.OperationDelete {
		s.fail(c, fmt.Errorf("%w: only DELETE requests can be aborted", intake.ErrInvalid))
		return
	}
	rec, err := s.conf.Intake.Abort(c.Request.Context(), key.Identity)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, intake.StatusOf(rec))
}

func (s *Server) status(c *gin.Context) {
	key, ok := s.key(c)
	if !ok {
		return
	}
	if c.Query("history") == "true" {
		history, err := s.conf.Intake.History(c.Request.Context(), key)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"history": history})
		return
	}
	st, err := s.conf.Intake.Lookup(c.Request.Context(), key)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// dispatchResult is the wire form of a dispatcher.Outcome.
type dispatchResult struct {
	Operation record.Operation  `json:"operation"`
	Identity  string            `json:"identity"`
	Status    record.Status     `json:"status"`
	Action    dispatcher.Action `json:"action"`
	Result    dispatcher.Result `json:"result"`
	Error     string            `json:"error,omitempty"`
}

func (s *Server) dispatch(c *gin.Context) {
	var records []record.Record
	if err := c.ShouldBindJSON(&records); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", intake.ErrInvalid, err))
		return
	}
	if len(records) > MaxDispatchBatch {
		s.fail(c, fmt.Errorf("%w: batch of %d exceeds %d records", intake.ErrInvalid, len(records), MaxDispatchBatch))
		return
	}
	for i, rec := range records {
		if rec.Operation == "" || rec.Identity == "" || rec.Status == "" {
			s.fail(c, fmt.Errorf("%w: record %d needs operation, identity and status", intake.ErrInvalid, i))
			return
		}
	}

	outcomes := s.conf.Dispatcher.Dispatch(c.Request.Context(), records)
	results := make([]dispatchResult, len(outcomes))
	failed := 0
	for i, o := range outcomes {
		results[i] = dispatchResult{
			Operation: o.Record.Operation,
			Identity:  o.Record.Identity,
			Status:    o.Record.Status,
			Action:    o.Action,
			Result:    o.Result,
		}
		if o.Err != nil {
			results[i].Error = o.Err.Error()
			failed++
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "failed": failed})
}

func (s *Server) sweep(c *gin.Context) {
	rep, err := s.conf.Sweeper.Sweep(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// instanceView is the wire form of a durable.Instance. Inputs and raw
// outputs stay internal.
type instanceView struct {
	ID     string                `json:"id"`
	Name   string                `json:"name"`
	Status durable.RuntimeStatus `json:"status"`
	Result string                `json:"result,omitempty"`
}

func viewInstance(inst durable.Instance) instanceView {
	v := instanceView{ID: inst.ID, Name: inst.Name, Status: inst.Status}
	if inst.Status == durable.StatusCompleted {
		var res outcome.Result
		if err := json.Unmarshal(inst.Output, &res); err == nil {
			v.Result = string(res.Kind)
			if res.Type != "" {
				v.Result += "/" + string(res.Type)
			}
		}
	}
	return v
}

func (s *Server) instance(c *gin.Context) {
	inst, err := s.conf.Instances.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, viewInstance(inst))
}

type terminateRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) terminate(c *gin.Context) {
	var req terminateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", intake.ErrInvalid, err))
		return
	}
	id := c.Param("id")
	if err := s.conf.Instances.Terminate(c.Request.Context(), id, req.Reason); err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Warn("instance terminated by operator", "instance", id, "reason", req.Reason, "request_id", getRequestID(c))
	c.JSON(http.StatusOK, gin.H{"id": id, "status": durable.StatusTerminated})
}
