package network

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	inet "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-msgio"
	ma "github.com/multiformats/go-multiaddr"
)

// DirectProtocol carries addressed plugin messages between peers.
const DirectProtocol protocol.ID = "/assembler/plugin/direct/1.0.0"

const maxFrameSize = 4 << 20

// frame is one direct message on a DirectProtocol stream.
type frame struct {
	Topic   string `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
}

// Libp2pOptions configures the libp2p transport.
type Libp2pOptions struct {
	ListenAddrs     []string
	Bootstrap       []string
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string
}

// outStream is the cached outbound stream to one peer. Writes are serialized
// so frames keep their order on the wire.
type outStream struct {
	mu sync.Mutex
	s  inet.Stream
	w  msgio.WriteCloser
}

// Libp2pNode provides gossip-based pubsub and direct streams over libp2p.
type Libp2pNode struct {
	ctx    context.Context
	cancel context.CancelFunc

	host     host.Host
	ownsHost bool
	ps       *pubsub.PubSub
	inbox    chan Message

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	out    map[peer.ID]*outStream
}

var (
	_ Transport  = (*Libp2pNode)(nil)
	_ Validating = (*Libp2pNode)(nil)
	_ Info       = (*Libp2pNode)(nil)
)

func NewLibp2pNode(parent context.Context, opts Libp2pOptions) (*Libp2pNode, error) {
	listenAddrs := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
	for _, s := range opts.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		listenAddrs = append(listenAddrs, a)
	}

	libp2pOpts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(key))
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}

	p, err := newLibp2pNode(parent, h, true)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	if opts.EnableMDNS {
		service := mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{host: h})
		if err := service.Start(); err != nil {
			log.Warnw("mdns start failed", "error", err)
		}
	}

	for _, raw := range opts.Bootstrap {
		if raw == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			log.Warnw("skip bootstrap addr", "addr", raw, "error", err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Warnw("skip bootstrap addr", "addr", raw, "error", err)
			continue
		}
		if err := h.Connect(p.ctx, *info); err != nil {
			log.Warnw("bootstrap connect failed", "peer", info.ID, "error", err)
		} else {
			log.Infow("connected bootstrap peer", "peer", info.ID)
		}
	}

	return p, nil
}

// NewLibp2pNodeFromHost runs the transport on an existing host. The caller
// keeps ownership of h.
func NewLibp2pNodeFromHost(parent context.Context, h host.Host) (*Libp2pNode, error) {
	return newLibp2pNode(parent, h, false)
}

func newLibp2pNode(parent context.Context, h host.Host, ownsHost bool) (*Libp2pNode, error) {
	ctx, cancel := context.WithCancel(parent)
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}
	p := &Libp2pNode{
		ctx:      ctx,
		cancel:   cancel,
		host:     h,
		ownsHost: ownsHost,
		ps:       ps,
		inbox:    make(chan Message, 64),
		topics:   make(map[string]*pubsub.Topic),
		out:      make(map[peer.ID]*outStream),
	}
	h.SetStreamHandler(DirectProtocol, p.handleStream)
	return p, nil
}

func (p *Libp2pNode) Publish(topic string, payload []byte) error {
	t, err := p.getOrJoinTopic(topic)
	if err != nil {
		return observe("libp2p", "publish", err)
	}
	return observe("libp2p", "publish", t.Publish(p.ctx, payload))
}

func (p *Libp2pNode) Subscribe(topic string) (<-chan Message, func(), error) {
	t, err := p.getOrJoinTopic(topic)
	if err != nil {
		return nil, nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Message, 64)
	subCtx, subCancel := context.WithCancel(p.ctx)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			select {
			case out <- Message{Topic: topic, Payload: append([]byte(nil), msg.Data...), From: msg.GetFrom().String()}:
			default:
				log.Warnw("subscriber backlog full, dropping broadcast", "topic", topic)
			}
		}
	}()

	cancel := func() {
		subCancel()
		sub.Cancel()
	}
	return out, cancel, nil
}

func (p *Libp2pNode) RegisterValidator(topic string, v Validator) error {
	return p.ps.RegisterTopicValidator(topic, func(_ context.Context, _ peer.ID, msg *pubsub.Message) bool {
		return v(msg.GetFrom().String(), msg.Data)
	})
}

func (p *Libp2pNode) Send(ctx context.Context, peerID, topic string, payload []byte) error {
	return observe("libp2p", "send", p.send(ctx, peerID, topic, payload))
}

func (p *Libp2pNode) send(ctx context.Context, peerID, topic string, payload []byte) error {
	if p.ctx.Err() != nil {
		return ErrClosed
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrPeerUnreachable, peerID, err)
	}
	if pid == p.host.ID() {
		return p.deliverLocal(ctx, topic, payload)
	}
	b, err := cbor.Marshal(frame{Topic: topic, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	out := p.outbound(pid)
	out.mu.Lock()
	defer out.mu.Unlock()
	if out.s == nil {
		s, err := p.host.NewStream(ctx, pid, DirectProtocol)
		if err != nil {
			return fmt.Errorf("%w: open stream to %s: %v", ErrPeerUnreachable, pid, err)
		}
		out.s = s
		out.w = msgio.NewVarintWriter(s)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = out.s.SetWriteDeadline(deadline)
		defer func() {
			if out.s != nil {
				_ = out.s.SetWriteDeadline(time.Time{})
			}
		}()
	}
	if err := out.w.WriteMsg(b); err != nil {
		_ = out.s.Reset()
		out.s, out.w = nil, nil
		return fmt.Errorf("write to %s: %w", pid, err)
	}
	return nil
}

// deliverLocal puts a message addressed to this node straight on its inbox;
// the host cannot dial itself.
func (p *Libp2pNode) deliverLocal(ctx context.Context, topic string, payload []byte) error {
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...), From: p.ID()}
	select {
	case p.inbox <- msg:
		return nil
	case <-p.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Libp2pNode) outbound(pid peer.ID) *outStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out, ok := p.out[pid]
	if !ok {
		out = &outStream{}
		p.out[pid] = out
	}
	return out
}

func (p *Libp2pNode) handleStream(s inet.Stream) {
	from := s.Conn().RemotePeer()
	r := msgio.NewVarintReaderSize(s, maxFrameSize)
	defer func() { _ = s.Close() }()
	for {
		b, err := r.ReadMsg()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugw("direct stream ended", "peer", from, "error", err)
			}
			return
		}
		var f frame
		if err := cbor.Unmarshal(b, &f); err != nil {
			log.Warnw("dropping malformed direct frame", "peer", from, "error", err)
			continue
		}
		select {
		case p.inbox <- Message{Topic: f.Topic, Payload: f.Payload, From: from.String()}:
		case <-p.ctx.Done():
			_ = s.Reset()
			return
		}
	}
}

func (p *Libp2pNode) Inbox() <-chan Message {
	return p.inbox
}

func (p *Libp2pNode) Close() error {
	p.cancel()
	p.host.RemoveStreamHandler(DirectProtocol)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ob := range p.out {
		ob.mu.Lock()
		if ob.s != nil {
			_ = ob.s.Close()
			ob.s, ob.w = nil, nil
		}
		ob.mu.Unlock()
	}
	for _, t := range p.topics {
		_ = t.Close()
	}
	if !p.ownsHost {
		return nil
	}
	return p.host.Close()
}

func (p *Libp2pNode) ID() string {
	return p.host.ID().String()
}

func (p *Libp2pNode) Host() host.Host {
	return p.host
}

func (p *Libp2pNode) ListenAddrs() []string {
	out := make([]string, 0, len(p.host.Addrs()))
	for _, addr := range p.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), p.host.ID().String()))
	}
	return out
}

func (p *Libp2pNode) ConnectedPeers() []string {
	peers := p.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

func (p *Libp2pNode) getOrJoinTopic(name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[name]; ok {
		return t, nil
	}
	t, err := p.ps.Join(name)
	if err != nil {
		return nil, err
	}
	p.topics[name] = t
	return t, nil
}

type mdnsNotifee struct {
	host host.Host
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if err := n.host.Connect(context.Background(), info); err != nil {
		log.Debugw("mdns connect failed", "peer", info.ID, "error", err)
	}
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
