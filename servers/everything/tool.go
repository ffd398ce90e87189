package everything

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

func (s *Server) callPing(_ context.Context, arguments json.RawMessage) (json.RawMessage, error) {
	var args EchoArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}
	s.logger.Debug("ping", slog.String("message", args.Message))

	return json.Marshal("Echo: " + args.Message)
}

func (s *Server) callEcho(_ context.Context, arguments json.RawMessage) (json.RawMessage, error) {
	var args EchoArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	return json.Marshal(args.Message)
}

func (s *Server) callAdd(_ context.Context, arguments json.RawMessage) (json.RawMessage, error) {
	var args AddArgs
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}

	return json.Marshal(map[string]any{
		"sum":     args.A + args.B,
		"summary": fmt.Sprintf("The sum of %g and %g is %g", args.A, args.B, args.A+args.B),
	})
}

func (s *Server) callLongRunningOperation(ctx context.Context, arguments json.RawMessage) (json.RawMessage, error) {
	args := LongRunningOperationArgs{
		Duration: 10,
		Steps:    5,
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
	}
	if args.Steps < 1 {
		return nil, fmt.Errorf("steps must be at least 1, got %d", args.Steps)
	}

	stepDuration := time.Duration(args.Duration * float64(time.Second) / float64(args.Steps))
	timer := time.NewTimer(stepDuration)
	defer timer.Stop()

	for i := range args.Steps {
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("operation aborted at step %d of %d: %w", i, args.Steps, ctx.Err())
		case <-s.done:
			return nil, errors.New("server closed")
		}
		timer.Reset(stepDuration)

		s.reportProgress(Progress{
			Tool:     "longRunningOperation",
			Progress: i + 1,
			Total:    args.Steps,
		})
	}

	return json.Marshal(fmt.Sprintf("Long running operation completed. Duration: %g seconds, Steps: %d",
		args.Duration, args.Steps))
}

func (s *Server) callPrintEnv(context.Context, json.RawMessage) (json.RawMessage, error) {
	env := slices.Clone(s.environ())
	slices.Sort(env)

	return json.Marshal(fmt.Sprintf("Environment variables:\n%s", strings.Join(env, "\n")))
}

func (s *Server) callFail(context.Context, json.RawMessage) (json.RawMessage, error) {
	return nil, errors.New("this tool always fails")
}
