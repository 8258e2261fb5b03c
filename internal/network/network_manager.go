// Package network implements the peer-to-peer transport coordinators use to
// exchange CLUSTER_EVENT/CLUSTER_BATCH/HLC_REPORT/DIGEST_* messages (§6.1).
// Transport framing itself (TLS, websocket upgrade, auth handshakes) is out
// of scope (§1); this package only needs a reliable ordered byte stream
// between peers, which a plain TCP connection with newline-delimited JSON
// provides.
package network

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/latticedb/engine/internal/types"
	"go.uber.org/zap"
)

// MessageHandler receives a decoded ProtocolMessage.
type MessageHandler func(msg types.ProtocolMessage)

// Network is the peer-to-peer behaviour the coordinator depends on; it
// enables tests to substitute a mock implementation (see
// internal/coordinator's tests).
type Network interface {
	Initialize() error
	JoinCluster(bootstrapPeers []string) error
	LeaveCluster() error

	BroadcastMessage(msg types.ProtocolMessage) error
	SendToPeer(nodeID string, msg types.ProtocolMessage) error
	OnMessage(mt types.MessageType, handler MessageHandler)

	GetStats() *types.NetworkStats
	GetPeers() []*types.PeerInfo
	GetNodeID() string
	Shutdown() error
}

// dhtNode is the entry type of NetworkManager's dht table, which no code
// path populates.
type dhtNode struct {
	NodeID   string
	Address  string
	LastSeen time.Time
}

// NetworkManager is a minimal P2P implementation, one cluster per node
// process. Its peers are the bootstrap addresses JoinCluster dials and any
// node that connects in; it performs no further peer discovery.
type NetworkManager struct {
	ctx      context.Context
	cancel   context.CancelFunc
	listener net.Listener
	nodeID   string
	logger   *zap.Logger

	mu          sync.RWMutex
	peers       map[string]*types.PeerInfo
	dht         map[string][]dhtNode // rendezvous key -> candidate nodes
	connections map[string]net.Conn  // nodeID -> connection
	stats       *types.NetworkStats
	handlers    map[types.MessageType][]MessageHandler
	initialized bool
}

// NewNetworkManager creates a new P2P network manager for this process.
func NewNetworkManager(ctx context.Context, logger *zap.Logger) *NetworkManager {
	h := sha256.Sum256([]byte(fmt.Sprintf("%d-%d", time.Now().UnixNano(), rand.Int63())))
	nodeID := hex.EncodeToString(h[:16])

	if logger == nil {
		logger = zap.NewNop()
	}

	c, cancel := context.WithCancel(ctx)
	return &NetworkManager{
		ctx:         c,
		cancel:      cancel,
		nodeID:      nodeID,
		logger:      logger,
		peers:       make(map[string]*types.PeerInfo),
		dht:         make(map[string][]dhtNode),
		connections: make(map[string]net.Conn),
		stats:       &types.NetworkStats{NodeID: nodeID},
		handlers:    make(map[types.MessageType][]MessageHandler),
	}
}

func (n *NetworkManager) Initialize() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.initialized {
		return nil
	}

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	n.listener = listener
	n.initialized = true

	go n.acceptConnections()

	n.logger.Info("p2p node initialized", zap.String("nodeID", n.nodeID), zap.String("addr", listener.Addr().String()))
	return nil
}

func (n *NetworkManager) acceptConnections() {
	for {
		select {
		case <-n.ctx.Done():
			return
		default:
			conn, err := n.listener.Accept()
			if err != nil {
				if n.ctx.Err() == nil {
					n.logger.Warn("accept error", zap.Error(err))
				}
				continue
			}

			go n.handleConnection(conn)
		}
	}
}

const handshakePrefix = "LATTICEDB"

func (n *NetworkManager) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	handshake := strings.TrimSpace(scanner.Text())
	parts := strings.SplitN(handshake, ":", 2)
	if len(parts) != 2 || parts[0] != handshakePrefix {
		return
	}
	peerID := parts[1]

	fmt.Fprintf(conn, "%s:%s\n", handshakePrefix, n.nodeID)

	n.mu.Lock()
	n.connections[peerID] = conn
	n.peers[peerID] = &types.PeerInfo{
		NodeID:   peerID,
		Addrs:    []string{conn.RemoteAddr().String()},
		LastSeen: time.Now(),
	}
	n.mu.Unlock()

	n.readLoop(scanner)
}

func (n *NetworkManager) readLoop(scanner *bufio.Scanner) {
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg types.ProtocolMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			n.logger.Warn("failed to decode message", zap.Error(err))
			continue
		}

		n.mu.Lock()
		n.stats.EventsReceived++
		n.stats.BytesTransferred += int64(len(line))
		n.mu.Unlock()

		n.handleMessage(msg)
	}
}

func (n *NetworkManager) JoinCluster(bootstrapPeers []string) error {
	if err := n.Initialize(); err != nil {
		return err
	}
	for _, addr := range bootstrapPeers {
		go n.connectToPeer(addr)
	}
	return nil
}

func (n *NetworkManager) connectToPeer(address string) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		n.logger.Warn("failed to connect to peer", zap.String("addr", address), zap.Error(err))
		return
	}

	fmt.Fprintf(conn, "%s:%s\n", handshakePrefix, n.nodeID)

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		conn.Close()
		return
	}

	response := strings.TrimSpace(scanner.Text())
	parts := strings.SplitN(response, ":", 2)
	if len(parts) != 2 || parts[0] != handshakePrefix {
		conn.Close()
		return
	}
	peerID := parts[1]

	n.mu.Lock()
	n.connections[peerID] = conn
	n.peers[peerID] = &types.PeerInfo{
		NodeID:   peerID,
		Addrs:    []string{address},
		LastSeen: time.Now(),
	}
	n.mu.Unlock()

	n.logger.Info("connected to peer", zap.String("peerID", peerID), zap.String("addr", address))

	go func() {
		defer conn.Close()
		n.readLoop(scanner)
	}()
}

func (n *NetworkManager) LeaveCluster() error {
	return n.Shutdown()
}

func (n *NetworkManager) BroadcastMessage(msg types.ProtocolMessage) error {
	n.mu.RLock()
	initialized := n.initialized
	conns := make([]net.Conn, 0, len(n.connections))
	for _, conn := range n.connections {
		conns = append(conns, conn)
	}
	n.mu.RUnlock()

	if !initialized {
		return errors.New("network: not initialized")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	for _, conn := range conns {
		go func(c net.Conn) {
			if _, err := fmt.Fprintf(c, "%s\n", data); err != nil {
				n.logger.Warn("failed to send message", zap.Error(err))
				return
			}
			n.mu.Lock()
			n.stats.EventsSent++
			n.stats.BytesTransferred += int64(len(data))
			n.mu.Unlock()
		}(conn)
	}

	return nil
}

func (n *NetworkManager) SendToPeer(nodeID string, msg types.ProtocolMessage) error {
	n.mu.RLock()
	initialized := n.initialized
	conn, ok := n.connections[nodeID]
	n.mu.RUnlock()

	if !initialized {
		return errors.New("network: not initialized")
	}
	if !ok {
		return fmt.Errorf("network: peer %q not connected", nodeID)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return err
	}

	n.mu.Lock()
	n.stats.EventsSent++
	n.stats.BytesTransferred += int64(len(data))
	n.mu.Unlock()

	return nil
}

func (n *NetworkManager) OnMessage(mt types.MessageType, handler MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[mt] = append(n.handlers[mt], handler)
}

func (n *NetworkManager) GetStats() *types.NetworkStats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	n.stats.ConnectedPeers = len(n.connections)
	n.stats.TotalPeers = len(n.peers)
	return n.stats
}

func (n *NetworkManager) GetPeers() []*types.PeerInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*types.PeerInfo, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

func (n *NetworkManager) GetNodeID() string { return n.nodeID }

func (n *NetworkManager) Shutdown() error {
	n.cancel()

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.listener != nil {
		n.listener.Close()
	}
	for _, conn := range n.connections {
		conn.Close()
	}
	n.connections = make(map[string]net.Conn)
	n.initialized = false

	return nil
}

func (n *NetworkManager) handleMessage(msg types.ProtocolMessage) {
	n.mu.RLock()
	handlers := n.handlers[msg.Type]
	n.mu.RUnlock()

	for _, h := range handlers {
		go func(fn MessageHandler) {
			defer func() {
				if r := recover(); r != nil {
					n.logger.Error("message handler panicked", zap.Any("panic", r))
				}
			}()
			fn(msg)
		}(h)
	}
}
