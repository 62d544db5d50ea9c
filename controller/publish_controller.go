package controller

import (
	"context"
	"sync"
	"sync/atomic"

	"radar-node/models"
	"radar-node/services/dsp"
	"radar-node/services/metrics"
	"radar-node/services/relay"
	"radar-node/utils"
)

// PublishController is the sink stage. It takes every result off the
// processor and hands the estimate to each enabled output. A nil output is
// skipped.
type PublishController struct {
	node   string
	in     <-chan *models.FrameResult
	relay  *relay.TCPRelay
	mqtt   *relay.MQTTPublisher
	rec    *RecordingController
	met    *metrics.Metrics
	log    *utils.Logger
	budget uint64
	done   func()
	once   sync.Once

	published uint64
	relayErrs uint64
	mqttErrs  uint64
}

// PublishOutputs are the optional destinations of an estimate.
type PublishOutputs struct {
	Relay    *relay.TCPRelay
	MQTT     *relay.MQTTPublisher
	Recorder *RecordingController
	Metrics  *metrics.Metrics
}

func NewPublishController(node string, p *dsp.Processor, out PublishOutputs) *PublishController {
	return &PublishController{
		node:  node,
		in:    p.Out,
		relay: out.Relay,
		mqtt:  out.MQTT,
		rec:   out.Recorder,
		met:   out.Metrics,
		log:   utils.L().With("publish"),
	}
}

// SetBudget calls done once, after n estimates have been published.
// n == 0 means no budget.
func (pc *PublishController) SetBudget(n int, done func()) {
	if n < 0 {
		n = 0
	}
	pc.budget = uint64(n)
	pc.done = done
}

func (pc *PublishController) Name() string { return "publish" }

// Process blocks on the next result and fans it out. Output failures are
// counted and logged; they never stop the pipeline.
func (pc *PublishController) Process(ctx context.Context) error {
	var res *models.FrameResult
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res = <-pc.in:
	}
	e := &res.Estimate

	if pc.budget > 0 && atomic.LoadUint64(&pc.published) >= pc.budget {
		return nil
	}

	if pc.relay != nil {
		rec := models.NewFrameRecord(pc.node, e)
		if err := pc.relay.SendRecord(rec); err != nil {
			if atomic.AddUint64(&pc.relayErrs, 1) == 1 {
				pc.log.Error("%v", err)
			}
		} else if pc.rec != nil {
			pc.rec.RecordRelay(rec)
		}
	}
	if pc.mqtt != nil {
		if err := pc.mqtt.Publish(e); err != nil {
			if atomic.AddUint64(&pc.mqttErrs, 1) == 1 {
				pc.log.Error("%v", err)
			}
		}
	}
	if pc.rec != nil {
		pc.rec.RecordEstimate(e)
	}
	if pc.met != nil {
		pc.met.ObserveEstimate(e)
	}

	n := atomic.AddUint64(&pc.published, 1)
	if pc.budget > 0 && n == pc.budget && pc.done != nil {
		pc.log.Info("frame budget of %d reached", pc.budget)
		pc.once.Do(pc.done)
	}
	return nil
}

// Published is the number of estimates handed to the outputs.
func (pc *PublishController) Published() uint64 {
	return atomic.LoadUint64(&pc.published)
}

// LogStats prints the output counters.
func (pc *PublishController) LogStats() {
	sent := uint64(0)
	if pc.relay != nil {
		sent = pc.relay.Sent()
	}
	var mqttOK, mqttFail uint64
	if pc.mqtt != nil {
		mqttOK, mqttFail = pc.mqtt.Stats()
	}
	utils.L().Info("  publish  estimates=%d relay=%d relay_err=%d mqtt=%d mqtt_err=%d",
		pc.Published(), sent, atomic.LoadUint64(&pc.relayErrs), mqttOK, mqttFail+atomic.LoadUint64(&pc.mqttErrs))
}
