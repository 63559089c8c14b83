package _switch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/webrtc-meet/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

var (
	ErrUnknownEndpoint = errors.New("unknown endpoint")
)

// Switch delivers announcements to endpoints. Endpoints are registered
// once per transport session and attached to at most one instance (room)
// at a time; room-scoped delivery only reaches attached endpoints.
type Switch struct {
	logger    zerolog.Logger
	mx        *sync.RWMutex
	endpoints map[string]model.Wire
	fwd       map[string]map[string]model.Wire
	timeout   time.Duration
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger:    logger.With().Str("component", "switch").Logger(),
		mx:        &sync.RWMutex{},
		endpoints: make(map[string]model.Wire),
		fwd:       make(map[string]map[string]model.Wire),
		timeout:   defaultFwdTimout,
	}
}

func (sw *Switch) Register(endpoint string, wire model.Wire) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	sw.endpoints[endpoint] = wire
	sw.logger.Debug().Str("endpoint", endpoint).Msg("endpoint registered")
}

func (sw *Switch) Unregister(endpoint string) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	delete(sw.endpoints, endpoint)
	for instance, inst := range sw.fwd {
		if _, ok := inst[endpoint]; ok {
			sw.detach(instance, endpoint)
		}
	}
	sw.logger.Debug().Str("endpoint", endpoint).Msg("endpoint unregistered")
}

func (sw *Switch) Connect(instance, endpoint string) error {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	wire, ok := sw.endpoints[endpoint]
	if !ok {
		return ErrUnknownEndpoint
	}
	inst, ok := sw.fwd[instance]
	if !ok {
		inst = make(map[string]model.Wire)
		sw.fwd[instance] = inst
	}
	inst[endpoint] = wire
	sw.logger.Debug().
		Str("instance", instance).
		Str("endpoint", endpoint).
		Msg("endpoint connected")
	return nil
}

func (sw *Switch) Disconnect(instance, endpoint string) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	sw.detach(instance, endpoint)
}

func (sw *Switch) detach(instance, endpoint string) {
	inst, ok := sw.fwd[instance]
	if !ok {
		return
	}
	delete(inst, endpoint)
	if len(inst) == 0 {
		delete(sw.fwd, instance)
	}
	sw.logger.Debug().
		Str("instance", instance).
		Str("endpoint", endpoint).
		Msg("endpoint disconnected")
}

// Send delivers announcement to ann.DST regardless of its instance.
func (sw *Switch) Send(ctx context.Context, ann model.Announcement) bool {
	sw.mx.RLock()
	wire, ok := sw.endpoints[ann.DST]
	sw.mx.RUnlock()

	if !ok {
		sw.logger.Debug().Str("dst", ann.DST).Str("type", ann.Type).Msg("cannot send, dst not found")
		return false
	}
	sent, _ := sw.send(ctx, ann, wire.TX)
	return sent
}

// Forward delivers announcement to ann.DST only if it is attached to the instance.
func (sw *Switch) Forward(ctx context.Context, ann model.Announcement, instance string) bool {
	sw.mx.RLock()
	wire, ok := sw.fwd[instance][ann.DST]
	sw.mx.RUnlock()

	if !ok {
		sw.logger.Debug().
			Str("instance", instance).
			Str("type", ann.Type).
			Str("src", ann.SRC).
			Str("dst", ann.DST).
			Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := sw.send(ctx, ann, wire.TX)
	return sent
}

// Multicast delivers announcement to the listed endpoints of the instance.
func (sw *Switch) Multicast(ctx context.Context, ann model.Announcement, instance string, dsts []string) int {
	ann.DST = ""

	sw.mx.RLock()
	wires := make([]model.Wire, 0, len(dsts))
	for _, dst := range dsts {
		if wire, ok := sw.fwd[instance][dst]; ok && dst != ann.SRC {
			wires = append(wires, wire)
		}
	}
	sw.mx.RUnlock()

	return sw.fanout(ctx, ann, instance, wires)
}

// Broadcast delivers announcement to every endpoint of the instance except its source.
func (sw *Switch) Broadcast(ctx context.Context, ann model.Announcement, instance string) int {
	ann.DST = "" // clear dst just in case

	sw.mx.RLock()
	wires := make([]model.Wire, 0, len(sw.fwd[instance]))
	for dst, wire := range sw.fwd[instance] {
		if dst != ann.SRC {
			wires = append(wires, wire)
		}
	}
	sw.mx.RUnlock()

	return sw.fanout(ctx, ann, instance, wires)
}

func (sw *Switch) fanout(ctx context.Context, ann model.Announcement, instance string, wires []model.Wire) int {
	var sent int
	for _, wire := range wires {
		annSent, canceled := sw.send(ctx, ann, wire.TX)
		if canceled {
			break
		}
		if annSent {
			sent++
		}
	}
	if sent == 0 {
		sw.logger.Debug().
			Str("instance", instance).
			Str("type", ann.Type).
			Str("src", ann.SRC).
			Msg("broadcast did not reach anyone")
	}
	return sent
}

func (sw *Switch) send(ctx context.Context, ann model.Announcement, tx chan<- model.Announcement) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(sw.timeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		sw.logger.Error().Str("dst", ann.DST).Str("type", ann.Type).Msg("dead endpoint")
	case tx <- ann:
		sw.logger.Trace().Str("dst", ann.DST).Str("type", ann.Type).Msg("announce is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
