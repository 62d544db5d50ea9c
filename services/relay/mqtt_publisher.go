package relay

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"radar-node/models"
	"radar-node/utils"
)

// MQTTPublisher mirrors every estimate to a broker on
// <topic>/<node>/estimate.
type MQTTPublisher struct {
	client     mqtt.Client
	topic      string
	qos        byte
	ackTimeout time.Duration
	log        *utils.Logger

	published uint64
	failed    uint64
}

// ClientID is the MQTT client identifier for a node.
func ClientID(node string) string {
	return "radar-" + node + "-" + uuid.NewString()[:8]
}

// EstimateTopic is the topic estimates for node are published on.
func EstimateTopic(base, node string) string {
	return fmt.Sprintf("%s/%s/estimate", base, node)
}

// NewMQTTPublisher connects to cfg.Broker.
func NewMQTTPublisher(cfg utils.MQTTConfig, node string) (*MQTTPublisher, error) {
	log := utils.L().With("mqtt")
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(ClientID(node))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("connected to %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}
	qos := byte(0)
	if cfg.QoS > 0 && cfg.QoS <= 2 {
		qos = byte(cfg.QoS)
	}
	return &MQTTPublisher{
		client:     client,
		topic:      EstimateTopic(cfg.Topic, node),
		qos:        qos,
		ackTimeout: 5 * time.Second,
		log:        log,
	}, nil
}

// Publish sends e without waiting for the broker's acknowledgement.
func (p *MQTTPublisher) Publish(e *models.Estimate) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.topic, p.qos, false, payload)
	go p.settle(token, e.FrameNumber)
	return nil
}

// settle counts a publish once the broker answers. No answer within
// ackTimeout is a failure.
func (p *MQTTPublisher) settle(token mqtt.Token, frame uint64) {
	if !token.WaitTimeout(p.ackTimeout) {
		atomic.AddUint64(&p.failed, 1)
		p.log.Warn("publish frame %d: no acknowledgement within %s", frame, p.ackTimeout)
		return
	}
	if err := token.Error(); err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.log.Warn("publish frame %d: %v", frame, err)
		return
	}
	atomic.AddUint64(&p.published, 1)
}

// Stats returns (published, failed) counts.
func (p *MQTTPublisher) Stats() (uint64, uint64) {
	return atomic.LoadUint64(&p.published), atomic.LoadUint64(&p.failed)
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
