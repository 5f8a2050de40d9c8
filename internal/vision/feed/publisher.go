// Package feed streams detection publications to overlay renderers over
// gRPC. Bundles ride the wire as plain JSON (content-subtype "json") so a
// renderer in any language can subscribe without generated stubs; the
// service surface is a single server-streaming Subscribe call.
package feed

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/vision.report/internal/monitoring"
	"github.com/banshee-data/vision.report/internal/vision"
)

// Config holds configuration for the feed gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50052").
	ListenAddr string

	// BufferSize is the publish queue depth. Publishing to a full queue
	// drops the bundle rather than blocking the scheduler.
	BufferSize int

	// StatsInterval is how often throughput stats are logged.
	StatsInterval time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:    "localhost:50052",
		BufferSize:    100,
		StatsInterval: 60 * time.Second,
	}
}

// Publisher manages the gRPC server and bundle fan-out. It implements
// vision.OverlaySink: Publish never blocks the scheduling goroutine.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	// Bundle broadcasting
	bundleChan chan vision.OverlayBundle
	clients    map[string]*clientStream
	clientsMu  sync.RWMutex

	// Stats
	bundleCount     atomic.Uint64
	clientCount     atomic.Int32
	droppedBundles  atomic.Uint64
	lastStatsTime   time.Time
	lastBundleCount uint64
	lastStatsMu     sync.Mutex

	// Lifecycle
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// clientStream represents a connected streaming client.
type clientStream struct {
	id       string
	request  *SubscribeRequest
	bundleCh chan vision.OverlayBundle
	doneCh   chan struct{}
}

// NewPublisher creates a new Publisher with the given configuration.
func NewPublisher(cfg Config) *Publisher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 60 * time.Second
	}
	return &Publisher{
		config:     cfg,
		bundleChan: make(chan vision.OverlayBundle, cfg.BufferSize),
		clients:    make(map[string]*clientStream),
		stopCh:     make(chan struct{}),
	}
}

// Start binds the listener and serves the feed. The service is registered
// before Serve so a client can subscribe the moment Start returns.
func (p *Publisher) Start() error {
	if p.running.Load() {
		return fmt.Errorf("feed publisher already running")
	}

	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("feed listen on %s: %w", p.config.ListenAddr, err)
	}
	p.listener = lis

	p.server = grpc.NewServer()
	p.server.RegisterService(&serviceDesc, &feedServer{pub: p})

	p.running.Store(true)

	p.wg.Add(1)
	go p.broadcastLoop()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		monitoring.Logf("[Feed] streaming on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			monitoring.Logf("[Feed] server error: %v", err)
		}
	}()

	return nil
}

// Stop drains connected clients and shuts the server down. Safe to call more
// than once.
func (p *Publisher) Stop() {
	if !p.running.Load() {
		return
	}
	p.running.Store(false)
	close(p.stopCh)

	if p.server != nil {
		p.server.GracefulStop()
	}
	if p.listener != nil {
		p.listener.Close()
	}

	p.wg.Wait()
	monitoring.Logf("[Feed] stopped")
}

// Addr returns the bound listen address, nil before Start.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Publish queues a bundle for broadcast. A full queue drops the bundle; the
// scheduler is never held up by slow renderers.
func (p *Publisher) Publish(bundle vision.OverlayBundle) {
	if !p.running.Load() {
		return
	}

	queueDepth := len(p.bundleChan)
	if queueDepth > p.config.BufferSize/2 {
		monitoring.Logf("[Feed] WARNING: bundle queue depth high: %d/%d", queueDepth, p.config.BufferSize)
	}

	select {
	case p.bundleChan <- bundle:
		count := p.bundleCount.Add(1)
		p.logPeriodicStats(count, len(bundle.Batch.Detections), queueDepth)
	default:
		dropped := p.droppedBundles.Add(1)
		monitoring.Logf("[Feed] DROPPED bundle seq=%d (total dropped: %d), queue full", bundle.Seq, dropped)
	}
}

// logPeriodicStats logs throughput stats once per stats interval.
func (p *Publisher) logPeriodicStats(bundleCount uint64, detections, queueDepth int) {
	p.lastStatsMu.Lock()
	defer p.lastStatsMu.Unlock()

	now := time.Now()
	if p.lastStatsTime.IsZero() {
		p.lastStatsTime = now
		p.lastBundleCount = bundleCount
		return
	}

	elapsed := now.Sub(p.lastStatsTime)
	if elapsed >= p.config.StatsInterval {
		inInterval := bundleCount - p.lastBundleCount
		rate := float64(inInterval) / elapsed.Seconds()
		monitoring.Logf("[Feed] Stats: rate=%.1f/s bundles=%d dropped=%d clients=%d queue=%d/%d last: detections=%d",
			rate, inInterval, p.droppedBundles.Load(), p.clientCount.Load(), queueDepth, p.config.BufferSize, detections)
		p.lastStatsTime = now
		p.lastBundleCount = bundleCount
	}
}

// broadcastLoop distributes bundles to all connected clients.
func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case bundle := <-p.bundleChan:
			p.clientsMu.RLock()
			for _, client := range p.clients {
				if client.request.SessionID != "" && client.request.SessionID != bundle.SessionID {
					continue
				}
				select {
				case client.bundleCh <- bundle:
				default:
					// Client is slow, drop the bundle for this client.
					p.droppedBundles.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// addClient registers a new streaming client.
func (p *Publisher) addClient(id string, req *SubscribeRequest) *clientStream {
	client := &clientStream{
		id:       id,
		request:  req,
		bundleCh: make(chan vision.OverlayBundle, 10),
		doneCh:   make(chan struct{}),
	}

	p.clientsMu.Lock()
	p.clients[id] = client
	p.clientsMu.Unlock()

	p.clientCount.Add(1)
	monitoring.Logf("[Feed] client connected: %s (total: %d)", id, p.clientCount.Load())

	return client
}

// removeClient unregisters a streaming client.
func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	if client, ok := p.clients[id]; ok {
		close(client.doneCh)
		delete(p.clients, id)
		p.clientsMu.Unlock()
		p.clientCount.Add(-1)
		monitoring.Logf("[Feed] client disconnected: %s (remaining: %d)", id, p.clientCount.Load())
	} else {
		p.clientsMu.Unlock()
	}
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		BundleCount:    p.bundleCount.Load(),
		DroppedBundles: p.droppedBundles.Load(),
		ClientCount:    p.clientCount.Load(),
		Running:        p.running.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	BundleCount    uint64
	DroppedBundles uint64
	ClientCount    int32
	Running        bool
}
