package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/novainfer/internal/domain"
	"github.com/spf13/cobra"
)

// warmCmd submits a single throwaway request for model_id, forcing the
// pool to spawn a worker and load the model ahead of real traffic.
func warmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "warm <model_id>",
		Short: "Pre-warm a model by submitting a throwaway request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelID := args[0]

			rt, err := boot()
			if err != nil {
				return err
			}
			defer rt.pool.Shutdown()

			desc, ok := rt.reg.Get(modelID)
			if !ok {
				return fmt.Errorf("unknown model %q", modelID)
			}

			sink := domain.NewReplySink(8)
			req := &domain.Request{
				RequestID:   uuid.NewString(),
				ModelID:     modelID,
				Capability:  desc.Capability,
				Payload:     []byte("warm"),
				Reply:       sink,
				SubmittedAt: time.Now(),
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), rt.cfg.Pool.SpawnTimeout.Duration()+5*time.Second)
			defer cancel()

			if err := rt.pool.Submit(ctx, req); err != nil {
				return fmt.Errorf("warm %q: %w", modelID, err)
			}

			for chunk := range sink.Recv() {
				if chunk.Kind.Terminal() {
					if chunk.Kind == domain.ChunkErr {
						return fmt.Errorf("warm %q: %s: %s", modelID, chunk.ErrKind, chunk.ErrMessage)
					}
					break
				}
			}

			fmt.Printf("warmed %q (%d worker(s) now ready)\n", modelID, rt.pool.WorkerCount(modelID))
			return nil
		},
	}
}
