package vaapi_hevc

import (
	"context"
	"fmt"

	"github.com/richinsley/vaapi_hevc/task"
)

// SetCTUQP turns per-CTU QP control on or off without restarting the
// sequence. Every prepared frame is coded under the old setting first and
// the next prepared frame carries a new PPS.
func (e *Encoder) SetCTUQP(ctx context.Context, enable bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.usable(); err != nil {
		return err
	}
	if e.par.CTUQP == enable {
		return nil
	}
	if enable && !e.caps.CTUQPSupport {
		return unsupported("per-CTU QP")
	}
	if err := e.drain(ctx, true); err != nil {
		return err
	}

	e.par.CTUQP = enable
	if err := e.driver.Reset(&e.par, false); err != nil {
		e.par.CTUQP = !enable
		return fmt.Errorf("soft reset: %w", err)
	}
	e.headers |= task.InsertPPS
	logger.Infof("[%s] per-CTU QP %v", e.id, enable)
	return nil
}
