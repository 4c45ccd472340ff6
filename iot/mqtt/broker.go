package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/relabs-tech/cloudio/core/access"
	"github.com/relabs-tech/cloudio/core/logger"
	"github.com/relabs-tech/cloudio/core/router"
	"github.com/relabs-tech/cloudio/iot/auth"
)

// QueueName is the default queue of the messages the broker delivers to
// MQTT clients
const QueueName = "cloudio.mqtt"

// DefaultVHost is checked on connect
const DefaultVHost = "/"

// Broker is an MQTT broker for endpoints and applications. Every
// connection, subscription and publication is decided by an auth.Decider.
// Accepted publications go to the topic exchange of the router, MQTT
// clients receive what the router delivers to the broker's queue.
type Broker struct {
	p        *plugin
	listener net.Listener
	name     string
	topics   []string
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Decider authenticates clients and authorizes topics. This is mandatory.
	Decider auth.Decider
	// Publisher receives accepted publications. This is mandatory.
	Publisher router.Publisher
	// Address to listen on. Defaults to ":1883", or ":8883" with TLS.
	Address string
	// Listener overrides Address and the TLS settings.
	Listener net.Listener
	// CACertFile is the file path to the X.509 certificate of the certificate
	// authority which signed the endpoint certificates.
	CACertFile string
	// CertFile is the file path to the X.509 certificate file. With CertFile
	// and KeyFile the broker talks TLS only.
	CertFile string
	// KeyFile is the file path to the X.509 private key file.
	KeyFile string
	// Name is the queue of the broker. Defaults to QueueName.
	Name string
	// Topics are the routing key patterns delivered to MQTT clients.
	// Defaults to "@set.#".
	Topics []string
}

// plugin is the plugin for GMQTT
type plugin struct {
	decider   auth.Decider
	publisher router.Publisher

	mutex          sync.RWMutex
	certIdentities map[net.Conn]string
	identities     map[string]session

	service gmqtt.Server
}

// NewBroker returns a new broker. The broker will not actually run until
// you call Run()
func NewBroker(bb *Builder) (*Broker, error) {
	if bb.Decider == nil {
		panic("Decider is missing")
	}
	if bb.Publisher == nil {
		panic("Publisher is missing")
	}
	listener := bb.Listener
	if listener == nil {
		var err error
		listener, err = listen(bb)
		if err != nil {
			return nil, err
		}
	}
	name := bb.Name
	if len(name) == 0 {
		name = QueueName
	}
	topics := bb.Topics
	if len(topics) == 0 {
		topics = []string{"@set.#"}
	}
	return &Broker{
		p: &plugin{
			decider:        bb.Decider,
			publisher:      bb.Publisher,
			certIdentities: map[net.Conn]string{},
			identities:     map[string]session{},
		},
		listener: listener,
		name:     name,
		topics:   topics,
	}, nil
}

func listen(bb *Builder) (net.Listener, error) {
	if len(bb.CertFile) == 0 && len(bb.KeyFile) == 0 {
		address := bb.Address
		if len(address) == 0 {
			address = ":1883"
		}
		return net.Listen("tcp", address)
	}

	crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("cannot load broker certificate: %w", err)
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{crt}}
	if len(bb.CACertFile) > 0 {
		caCert, err := os.ReadFile(bb.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read ca certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("no certificates in " + bb.CACertFile)
		}
		tlsConfig.ClientCAs = caCertPool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}
	address := bb.Address
	if len(address) == 0 {
		address = ":8883"
	}
	return tls.Listen("tcp", address, tlsConfig)
}

// Registration returns the router registration which feeds MQTT clients
func (b *Broker) Registration() router.Registration {
	return router.Registration{
		Name:         b.name,
		Subscription: router.Topic(b.topics...),
		Handler:      router.HandlerFunc(b.p.deliver),
	}
}

// Run runs the server until ctx is done.
func (b *Broker) Run(ctx context.Context) error {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.listener),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	logger.Default().Infoln("mqtt broker listening on", b.listener.Addr())
	<-ctx.Done()
	logger.Default().Infoln("mqtt broker stopping")
	return s.Stop(context.Background())
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "cloudio bridge" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

// OnAcceptWrapper remembers the common name of client certificates
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		if tlsConn, ok := conn.(*tls.Conn); ok {
			if err := tlsConn.Handshake(); err != nil {
				logger.FromContext(ctx).WithError(err).Infoln("tls handshake failed")
				return false
			}
			state := tlsConn.ConnectionState()
			if len(state.VerifiedChains) > 0 && len(state.VerifiedChains[0]) > 0 {
				p.mutex.Lock()
				p.certIdentities[conn] = state.VerifiedChains[0][0].Subject.CommonName
				p.mutex.Unlock()
			}
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper authenticates the client
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		p.mutex.Lock()
		certIdentity, hasCert := p.certIdentities[client.Connection()]
		delete(p.certIdentities, client.Connection())
		p.mutex.Unlock()

		options := client.OptionsReader()
		var credentials *Credentials
		if hasCert {
			credentials = &Credentials{ClientID: options.ClientID(), Certificate: certIdentity}
		} else {
			credentials = &Credentials{ClientID: options.ClientID(), Username: options.Username(), Password: options.Password()}
		}
		credentials.conn = client.Connection()
		if !p.authenticate(ctx, credentials) {
			return packets.CodeNotAuthorized
		}
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper requires read permission on the routing key
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		if !p.authorize(ctx, client.OptionsReader().ClientID(), topic.Name, access.PermissionRead) {
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper requires write permission on the routing key and
// hands the message to the router. It never delivers to MQTT clients
// directly, they receive messages through the broker's queue.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		p.forward(ctx, client.OptionsReader().ClientID(), msg.Topic(), msg.Payload())
		return false
	}
}

// OnCloseWrapper forgets the closed connection. A connection which never
// sent CONNECT is dropped from the certificate identities.
func (p *plugin) OnCloseWrapper(closed gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		p.forget(client.OptionsReader().ClientID(), client.Connection())
		closed(ctx, client, err)
	}
}

// Credentials of a connecting client. Certificate is the common name of a
// verified client certificate.
type Credentials struct {
	ClientID    string
	Username    string
	Password    string
	Certificate string

	conn net.Conn
}

// session is the identity of an authenticated client id and the connection
// it was authenticated on
type session struct {
	identity string
	conn     net.Conn
}

// identity returns the identity the credentials claim
func (c *Credentials) identity() string {
	if len(c.Certificate) > 0 {
		return c.Certificate
	}
	return c.Username
}

func (p *plugin) authenticate(ctx context.Context, c *Credentials) bool {
	identity := c.identity()
	ctx, rlog := logger.ContextWithLoggerIdentity(ctx, identity)
	if len(identity) == 0 {
		rlog.Infoln("connect denied, no credentials from", c.ClientID)
		return false
	}

	// without certificate the password is mandatory
	request := auth.Login(identity, c.Password)
	if len(c.Certificate) > 0 {
		// a certificate owner must connect with its own name
		if c.ClientID != c.Certificate {
			rlog.Infoln("connect denied, client id", c.ClientID, "does not match certificate")
			return false
		}
		request = auth.Login(identity)
	}
	token, err := p.decider.Decide(ctx, request)
	if err != nil || token == auth.Refused {
		rlog.WithError(err).Infoln("connect denied for", c.ClientID)
		return false
	}
	token, err = p.decider.Decide(ctx, auth.CheckVHost(identity, DefaultVHost))
	if err != nil || token != auth.Allow {
		rlog.WithError(err).Infoln("connect denied for", c.ClientID, "on vhost", DefaultVHost)
		return false
	}

	p.mutex.Lock()
	p.identities[c.ClientID] = session{identity: identity, conn: c.conn}
	p.mutex.Unlock()
	rlog.Infoln("connect", c.ClientID)
	return true
}

func (p *plugin) identity(clientID string) (string, bool) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	s, ok := p.identities[clientID]
	return s.identity, ok
}

// forget removes what is known about conn. The client id keeps its identity
// if a newer connection has taken it over.
func (p *plugin) forget(clientID string, conn net.Conn) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	delete(p.certIdentities, conn)
	if s, ok := p.identities[clientID]; ok && s.conn == conn {
		delete(p.identities, clientID)
	}
}

func (p *plugin) authorize(ctx context.Context, clientID, topic string, permission access.Permission) bool {
	identity, ok := p.identity(clientID)
	if !ok {
		return false
	}
	rlog := logger.FromContext(ctx).WithField("identity", identity)
	routingKey := RoutingKey(topic)
	token, err := p.decider.Decide(ctx,
		auth.CheckResource(identity, auth.ResourceRoutingKey, routingKey, strings.ToLower(permission.String())))
	if err != nil || token != auth.Allow {
		rlog.WithError(err).Infof("%s on %s denied", permission, routingKey)
		return false
	}
	return true
}

func (p *plugin) forward(ctx context.Context, clientID, topic string, payload []byte) bool {
	if !p.authorize(ctx, clientID, topic, access.PermissionWrite) {
		return false
	}
	identity, _ := p.identity(clientID)
	ctx, rlog := logger.ContextWithLoggerIdentity(ctx, identity)
	msg := &router.Message{
		Exchange:   router.TopicExchange,
		RoutingKey: RoutingKey(topic),
		Headers:    map[string]string{},
		Body:       payload,
	}
	logger.InjectHeaders(ctx, msg.Headers)
	if err := p.publisher.Publish(ctx, msg); err != nil {
		rlog.WithError(err).Errorln("cannot forward", msg.RoutingKey)
		return false
	}
	return true
}

// deliver publishes a router message to the MQTT clients
func (p *plugin) deliver(ctx context.Context, msg *router.Message) ([]byte, error) {
	p.mutex.RLock()
	service := p.service
	p.mutex.RUnlock()
	if service == nil {
		return nil, errors.New("mqtt broker is not running")
	}
	service.PublishService().Publish(gmqtt.NewMessage(Topic(msg.RoutingKey), msg.Body, packets.QOS_1))
	return nil, nil
}

// RoutingKey translates an MQTT topic or topic filter into a routing key or
// routing key pattern
func RoutingKey(topic string) string {
	return strings.NewReplacer("/", ".", "+", "*").Replace(topic)
}

// Topic translates a routing key into an MQTT topic
func Topic(routingKey string) string {
	return strings.ReplaceAll(routingKey, ".", "/")
}
