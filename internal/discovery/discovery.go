package discovery

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"kasa-go-home/internal/kasa"
	"kasa-go-home/internal/protocol"
)

// Query asks for sysinfo plus the dimmer and lighting blocks so one reply
// carries everything needed to resolve and display a device.
const Query = `{"system":{"get_sysinfo":null},"smartlife.iot.dimmer":{"get_dimmer_parameters":null},"smartlife.iot.smartbulb.lightingservice":{"get_light_state":null}}`

// DefaultInterval is the pause between periodic cycles.
const DefaultInterval = 5 * time.Second

// Config holds discovery settings.
type Config struct {
	Source        netip.Addr     // local IPv4 to send from
	Target        netip.AddrPort // broadcast endpoint; zero means 192.168.1.255:9999
	ListenTimeout time.Duration
	// SeenTTL controls relisting in a periodic session. Zero keeps an address
	// listed once per session; a positive TTL relists an address that has not
	// replied for longer than the TTL.
	SeenTTL time.Duration
}

// Result is one discovered device.
type Result struct {
	Addr    netip.AddrPort
	SysInfo *kasa.SysInfo
}

// RunOnce performs one broadcast cycle. Replies that fail to parse are logged
// and skipped; a failed broadcast yields an empty list.
func RunOnce(ctx context.Context, cfg Config, logger *slog.Logger) []Result {
	replies, err := protocol.Broadcast(ctx, protocol.BroadcastConfig{
		Source:        cfg.Source,
		Target:        cfg.Target,
		ListenTimeout: cfg.ListenTimeout,
	}, Query, logger)
	if err != nil {
		logger.Warn("discovery broadcast failed", "err", err)
	}

	results := make([]Result, 0, len(replies))
	for _, r := range replies {
		info, err := kasa.ParseSysInfo(r.Text)
		if err != nil {
			logger.Warn("skipping discovery reply", "addr", r.Addr, "err", err)
			continue
		}
		results = append(results, Result{Addr: r.Addr, SysInfo: info})
	}
	return results
}

// Periodic runs discovery cycles on a background goroutine and hands each
// cycle's newly seen devices to the consumer over an unbuffered channel.
type Periodic struct {
	cfg      Config
	interval time.Duration
	logger   *slog.Logger
	session  string

	results  chan []Result
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	seen map[netip.AddrPort]time.Time
}

// Start launches periodic discovery. A non-positive interval uses
// DefaultInterval. The producer blocks until each cycle's list is received,
// so the first cycle is never dropped.
func Start(cfg Config, interval time.Duration, logger *slog.Logger) *Periodic {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Periodic{
		cfg:      cfg,
		interval: interval,
		session:  uuid.NewString(),
		results:  make(chan []Result),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		seen:     make(map[netip.AddrPort]time.Time),
	}
	p.logger = logger.With("session", p.session)
	go p.run()
	return p
}

// Results delivers one list per cycle, empty when nothing new replied. It is
// closed when the loop exits.
func (p *Periodic) Results() <-chan []Result { return p.results }

// Session identifies this run in logs and persisted state.
func (p *Periodic) Session() string { return p.session }

// Stop requests shutdown. It is safe to call more than once.
func (p *Periodic) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Wait blocks until the background goroutine has exited.
func (p *Periodic) Wait() { <-p.done }

func (p *Periodic) run() {
	defer close(p.done)
	defer close(p.results)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-p.done:
		}
	}()

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		found := p.filterNew(RunOnce(ctx, p.cfg, p.logger), time.Now())
		p.logger.Debug("discovery cycle", "new", len(found))

		select {
		case p.results <- found:
		case <-p.stop:
			return
		}

		select {
		case <-time.After(p.interval):
		case <-p.stop:
			return
		}
	}
}

// filterNew returns results whose address has not been listed in this
// session, honoring SeenTTL, and marks every replying address as seen.
func (p *Periodic) filterNew(results []Result, now time.Time) []Result {
	var fresh []Result
	for _, r := range results {
		last, ok := p.seen[r.Addr]
		expired := ok && p.cfg.SeenTTL > 0 && now.Sub(last) > p.cfg.SeenTTL
		if !ok || expired {
			fresh = append(fresh, r)
		}
		p.seen[r.Addr] = now
	}
	return fresh
}
