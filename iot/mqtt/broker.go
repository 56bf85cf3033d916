/*Package mqtt runs the fleet's embedded MQTT broker.

The broker is a gmqtt server with a plugin that wires the hook chain into
the fleet: connect attempts go through the admission controller, published
messages go into the ingestion pipeline, and subscriptions are restricted to
the device's own event topic. The broker also implements the outbound send
capability used by the firmware distributor.
*/
package mqtt

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/fleetware-tech/fleetware/core/logger"
	"github.com/fleetware-tech/fleetware/iot/admission"
	"github.com/fleetware-tech/fleetware/iot/directory"
	"github.com/fleetware-tech/fleetware/iot/pipeline"
)

// eventTopicPrefix is where devices listen for their firmware chunks and
// other commands.
const eventTopicPrefix = "event/"

// Broker is the fleet's MQTT broker.
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Port is the broker's listen port. This is mandatory.
	Port int
	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string
	// Admission validates incoming connections. This is mandatory.
	Admission *admission.Controller
	// Pipeline receives all published messages. This is mandatory.
	Pipeline *pipeline.Pipeline
	// Directory resolves chip identities to live sessions. This is
	// mandatory.
	Directory directory.Directory
}

// plugin is the plugin for GMQTT
type plugin struct {
	ln        net.Listener
	admission *admission.Controller
	pipeline  *pipeline.Pipeline
	directory directory.Directory

	service gmqtt.Server
}

// NewBroker returns a new broker. The broker will not actually run until
// you call Run()
func NewBroker(bb *Builder) *Broker {
	if bb.Port == 0 {
		panic("port is missing")
	}
	if bb.Admission == nil {
		panic("admission controller is missing")
	}
	if bb.Pipeline == nil {
		panic("pipeline is missing")
	}
	if bb.Directory == nil {
		panic("directory is missing")
	}

	addr := ":" + strconv.Itoa(bb.Port)
	var ln net.Listener
	var err error
	if bb.CertFile != "" && bb.KeyFile != "" {
		crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
		if err != nil {
			panic(err)
		}
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{crt}})
		if err != nil {
			panic(err)
		}
	} else {
		ln, err = net.Listen("tcp", addr)
		if err != nil {
			panic(err)
		}
	}

	return &Broker{
		p: &plugin{
			ln:        ln,
			admission: bb.Admission,
			pipeline:  bb.Pipeline,
			directory: bb.Directory,
		},
	}
}

// Run is blocking and runs the server and the pipeline consumer. It listens
// on syscall.SIGTERM for a graceful shutdown.
func (b *Broker) Run() {
	rlog := logger.Default()

	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.ln),
		gmqtt.WithPlugin(b.p),
	)
	ctx, cancel := context.WithCancel(context.Background())
	go b.p.pipeline.Run(ctx)
	s.Run()
	rlog.Infof("broker listening on %s", b.p.ln.Addr())

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh
	cancel()
	s.Stop(context.Background())
	rlog.Info("broker stopped")
}

// SendEventToChip delivers the payload to the chip's event topic. It
// reports false when the chip has no live session or the broker is not
// running yet.
func (b *Broker) SendEventToChip(ctx context.Context, chipID string, payload []byte) bool {
	rlog := logger.FromContext(ctx)
	if b.p.service == nil {
		return false
	}
	_, ok, err := b.p.directory.Get(ctx, chipID)
	if err != nil {
		rlog.WithError(err).Warnf("cannot resolve session of chip %s", chipID)
		return false
	}
	if !ok {
		rlog.Debugf("chip %s has no live session", chipID)
		return false
	}
	msg := gmqtt.NewMessage(eventTopicPrefix+chipID, payload, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
	return true
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "fleetware broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnSubscribedWrapper: p.OnSubscribedWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

// OnConnectWrapper validates the client's credentials
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		ctx, rlog := logger.ContextWithLogger(ctx)
		options := client.OptionsReader()
		decision := p.admission.Admit(ctx, admission.ConnectRequest{
			ClientID: options.ClientID(),
			Username: options.Username(),
		})
		if !decision.Accepted {
			rlog.Warnf("connect of client %s denied: %s", options.ClientID(), decision.Reason)
			return packets.CodeNotAuthorized
		}
		rlog.Infof("chip %s connected as client %s", decision.ChipID, options.ClientID())
		return connect(ctx, client)
	}
}

// OnMsgArrivedWrapper feeds published messages into the pipeline
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		topic := msg.Topic()
		if strings.HasPrefix(topic, eventTopicPrefix) {
			// the command topics are outbound only
			return false
		}
		if !p.pipeline.Enqueue(ctx, pipeline.Message{Topic: topic, Payload: msg.Payload()}) {
			return false
		}
		return arrived(ctx, client, msg)
	}
}

// OnSubscribeWrapper restricts devices to their own event topic
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		ctx, rlog := logger.ContextWithLogger(ctx)
		clientID := client.OptionsReader().ClientID()
		chipID, ok, err := p.directory.ChipIDByClient(ctx, clientID)
		if err != nil || !ok || topic.Name != eventTopicPrefix+chipID {
			rlog.Warnf("subscription of client %s to %s denied", clientID, topic.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnSubscribedWrapper logs the subscription
func (p *plugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		logger.Default().Debugf("client %s subscribed to %s", client.OptionsReader().ClientID(), topic.Name)
		subscribed(ctx, client, topic)
	}
}

// OnCloseWrapper logs the disconnect. The identity binding stays in place:
// it is last-write-wins and a removal here would race the reconnect that
// may already have superseded this connection.
func (p *plugin) OnCloseWrapper(onClose gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		logger.Default().Infof("client %s disconnected", client.OptionsReader().ClientID())
		onClose(ctx, client, err)
	}
}
