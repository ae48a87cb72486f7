package motordriver

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pipetcore/internal/mcuproto"
)

func newTestClient(t *testing.T, handler func(mcuproto.Request) (mcuproto.Response, error)) *Client {
	t.Helper()
	conn := mcuproto.NewMockConn(handler)
	transport := mcuproto.NewFrameTransport(mcuproto.StaticOpener(conn), zerolog.Nop())
	return New(transport)
}

func ctxWithTimeout() (context.Context, func()) {
	return context.WithTimeout(context.Background(), time.Second)
}

func TestInitThenStepSucceeds(t *testing.T) {
	c := newTestClient(t, func(req mcuproto.Request) (mcuproto.Response, error) {
		switch req.Cmd {
		case mcuproto.CmdInitMotor:
			return mcuproto.Response{Status: mcuproto.StatusOK}, nil
		case mcuproto.CmdStep:
			if *req.MotorID != 1 || *req.Steps != 100 {
				t.Fatalf("unexpected step request: %+v", req)
			}
			return mcuproto.Response{
				Status:         mcuproto.StatusOK,
				StepsExecuted:  mcuproto.IntPtr(100),
				LimitTriggered: mcuproto.BoolPtr(false),
			}, nil
		}
		t.Fatalf("unexpected cmd %s", req.Cmd)
		return mcuproto.Response{}, nil
	})

	ctx, cancel := ctxWithTimeout()
	defer cancel()
	if err := c.Init(ctx, 1, 2, 3, 4); err != nil {
		t.Fatal(err)
	}
	res, err := c.Step(ctx, 1, 100, mcuproto.CW, 200, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.StepsExecuted != 100 || res.LimitTriggered {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestStepBeforeInitIsNotInitialized(t *testing.T) {
	c := newTestClient(t, func(req mcuproto.Request) (mcuproto.Response, error) {
		return mcuproto.Response{Status: mcuproto.StatusOK}, nil
	})
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	_, err := c.Step(ctx, 2, 10, mcuproto.CW, 200, true)
	if _, ok := err.(NotInitialized); !ok {
		t.Fatalf("expected NotInitialized, got %v", err)
	}
}

func TestStepInvalidMotorID(t *testing.T) {
	c := newTestClient(t, func(req mcuproto.Request) (mcuproto.Response, error) {
		return mcuproto.Response{Status: mcuproto.StatusOK}, nil
	})
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	_, err := c.Step(ctx, 9, 10, mcuproto.CW, 200, true)
	if _, ok := err.(InvalidMotor); !ok {
		t.Fatalf("expected InvalidMotor, got %v", err)
	}
}

func TestStepOverSafetyLimitIsBadParameter(t *testing.T) {
	c := newTestClient(t, func(req mcuproto.Request) (mcuproto.Response, error) {
		return mcuproto.Response{Status: mcuproto.StatusOK}, nil
	})
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	c.initSet[1] = true
	_, err := c.Step(ctx, 1, MaxSafetySteps+1, mcuproto.CW, 200, true)
	if _, ok := err.(BadParameter); !ok {
		t.Fatalf("expected BadParameter, got %v", err)
	}
}

func TestStepPartialWithoutLimitIsRejected(t *testing.T) {
	c := newTestClient(t, func(req mcuproto.Request) (mcuproto.Response, error) {
		return mcuproto.Response{
			Status:         mcuproto.StatusOK,
			StepsExecuted:  mcuproto.IntPtr(50),
			LimitTriggered: mcuproto.BoolPtr(false),
		}, nil
	})
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	c.initSet[1] = true
	_, err := c.Step(ctx, 1, 100, mcuproto.CW, 200, true)
	if _, ok := err.(BadParameter); !ok {
		t.Fatalf("expected BadParameter for under-executed steps without a limit trigger, got %v", err)
	}
}

func TestStepPartialWithLimitIsAccepted(t *testing.T) {
	c := newTestClient(t, func(req mcuproto.Request) (mcuproto.Response, error) {
		return mcuproto.Response{
			Status:         mcuproto.StatusOK,
			StepsExecuted:  mcuproto.IntPtr(50),
			LimitTriggered: mcuproto.BoolPtr(true),
		}, nil
	})
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	c.initSet[1] = true
	res, err := c.Step(ctx, 1, 100, mcuproto.CW, 200, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.StepsExecuted != 50 || !res.LimitTriggered {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestHomeReportsHomedFalseOnMaxSteps(t *testing.T) {
	c := newTestClient(t, func(req mcuproto.Request) (mcuproto.Response, error) {
		return mcuproto.Response{
			Status:      mcuproto.StatusOK,
			StepsToHome: mcuproto.IntPtr(500),
			Homed:       mcuproto.BoolPtr(false),
		}, nil
	})
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	c.initSet[3] = true
	res, err := c.Home(ctx, 3, mcuproto.CW, 200, 500)
	if err != nil {
		t.Fatal(err)
	}
	if res.Homed || res.StepsToHome != 500 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestMoveBatchRejectsUninitializedMotor(t *testing.T) {
	c := newTestClient(t, func(req mcuproto.Request) (mcuproto.Response, error) {
		return mcuproto.Response{Status: mcuproto.StatusOK}, nil
	})
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	c.initSet[1] = true
	_, err := c.MoveBatch(ctx, []mcuproto.Movement{
		{MotorID: 1, Steps: 10, Direction: int(mcuproto.CW), DelayUS: 200},
		{MotorID: 2, Steps: 10, Direction: int(mcuproto.CW), DelayUS: 200},
	}, true)
	if _, ok := err.(NotInitialized); !ok {
		t.Fatalf("expected NotInitialized, got %v", err)
	}
}

func TestMoveBatchSucceeds(t *testing.T) {
	c := newTestClient(t, func(req mcuproto.Request) (mcuproto.Response, error) {
		if len(req.Movements) != 2 {
			t.Fatalf("expected 2 movements, got %d", len(req.Movements))
		}
		return mcuproto.Response{
			Status: mcuproto.StatusOK,
			Results: []mcuproto.MoveResult{
				{MotorID: 1, StepsExecuted: 10, LimitHit: false},
				{MotorID: 2, StepsExecuted: 10, LimitHit: false},
			},
		}, nil
	})
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	c.initSet[1] = true
	c.initSet[2] = true
	results, err := c.MoveBatch(ctx, []mcuproto.Movement{
		{MotorID: 1, Steps: 10, Direction: int(mcuproto.CW), DelayUS: 200},
		{MotorID: 2, Steps: 10, Direction: int(mcuproto.CW), DelayUS: 200},
	}, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].StepsExecuted != 10 {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestGetLimits(t *testing.T) {
	c := newTestClient(t, func(req mcuproto.Request) (mcuproto.Response, error) {
		return mcuproto.Response{
			Status: mcuproto.StatusOK,
			Limits: []mcuproto.LimitStatus{{MotorID: 1, Triggered: true, Pin: 7}},
		}, nil
	})
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	limits, err := c.GetLimits(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(limits) != 1 || !limits[0].Triggered {
		t.Errorf("unexpected limits: %+v", limits)
	}
}

func TestPing(t *testing.T) {
	c := newTestClient(t, func(req mcuproto.Request) (mcuproto.Response, error) {
		return mcuproto.Response{Status: mcuproto.StatusPong}, nil
	})
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestStopAll(t *testing.T) {
	c := newTestClient(t, func(req mcuproto.Request) (mcuproto.Response, error) {
		if req.Cmd != mcuproto.CmdStopAll {
			t.Fatalf("expected stop_all, got %s", req.Cmd)
		}
		return mcuproto.Response{Status: mcuproto.StatusOK}, nil
	})
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	if err := c.StopAll(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestFirmwareErrorStatusSurfaces(t *testing.T) {
	c := newTestClient(t, func(req mcuproto.Request) (mcuproto.Response, error) {
		return mcuproto.Response{Status: mcuproto.StatusError, Message: "stall detected"}, nil
	})
	ctx, cancel := ctxWithTimeout()
	defer cancel()
	c.initSet[1] = true
	if err := c.Stop(ctx, 1); err == nil {
		t.Fatal("expected error for firmware error status")
	}
}
