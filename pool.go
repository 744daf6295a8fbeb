package sftpfs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// channelCounter produces monotonic channel identifiers for logs.
var channelCounter atomic.Int64

// channelDialer constructs a connected SFTP channel.  Swappable for tests.
type channelDialer func(env *Environment, host string, port int) (Client, transport, error)

func defaultChannelDialer(env *Environment, host string, port int) (Client, transport, error) {
	return env.openChannel(host, port)
}

// defaultPoolDialer allows for injecting a mock dialer in tests.
var defaultPoolDialer channelDialer = defaultChannelDialer

// ChannelPool is a bounded pool of SSH channels, allowing multiple commands
// to be executed concurrently.  Callers acquire a channel with get, use it
// exclusively, and release it by closing it.
type ChannelPool struct {
	host string
	port int

	env              *Environment
	exceptionFactory ExceptionFactory
	logger           *zap.Logger

	pool        chan *Channel
	waitTimeout time.Duration
	dial        channelDialer

	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// newChannelPool dials the configured number of channels eagerly.  If any
// dial fails, already-connected channels are disconnected and the error is
// returned with disconnect failures attached.
func newChannelPool(host string, port int, env *Environment) (*ChannelPool, error) {
	return newChannelPoolWithDialer(host, port, env, defaultPoolDialer)
}

// newChannelPoolWithDialer exists so tests can substitute the dialer.
func newChannelPoolWithDialer(host string, port int, env *Environment, dial channelDialer) (*ChannelPool, error) {
	env = env.Clone()
	poolSize := env.connectionCount()

	p := &ChannelPool{
		host:             host,
		port:             port,
		env:              env,
		exceptionFactory: env.factory(),
		logger:           env.log(),
		pool:             make(chan *Channel, poolSize),
		waitTimeout:      env.connectionWaitTimeout(),
		dial:             dial,
		done:             make(chan struct{}),
	}

	p.logger.Debug("creating pool",
		zap.String("host", host), zap.Int("port", port),
		zap.Int("size", poolSize), zap.Duration("waitTimeout", p.waitTimeout))

	if err := p.fill(poolSize); err != nil {
		return nil, err
	}
	p.logger.Debug("created pool", zap.String("host", host), zap.Int("port", port), zap.Int("size", poolSize))
	return p, nil
}

func (p *ChannelPool) fill(poolSize int) error {
	for i := 0; i < poolSize; i++ {
		channel, err := p.newChannel(true)
		if err != nil {
			// creating the pool failed, disconnect all channels
			p.logger.Debug("failed to create pool", zap.Error(err))
			result := multierror.Append(nil, err)
			for {
				select {
				case ch := <-p.pool:
					if derr := ch.disconnect(); derr != nil {
						result = multierror.Append(result, derr)
					}
				default:
					return result.ErrorOrNil()
				}
			}
		}
		p.pool <- channel
	}
	return nil
}

func (p *ChannelPool) newChannel(pooled bool) (*Channel, error) {
	client, conn, err := p.dial(p.env, p.host, p.port)
	if err != nil {
		return nil, err
	}
	channel := &Channel{
		id:     fmt.Sprintf("channel-%d", channelCounter.Add(1)),
		pool:   p,
		client: client,
		conn:   conn,
		pooled: pooled,
	}
	channel.startAliveLoop(p.env.serverAliveInterval, p.env.serverAliveCountMax)
	p.logger.Debug("created channel", zap.String("channel", channel.id), zap.Bool("pooled", pooled))
	return channel, nil
}

func (p *ChannelPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// get acquires a channel, waiting per the configured policy.  A channel
// that fails its liveness probe is replaced; if replacement fails, the
// broken channel is returned to the pool first so the pool never shrinks.
func (p *ChannelPool) get(ctx context.Context) (*Channel, error) {
	channel, err := p.takeWithinTimeout(ctx)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("took channel", zap.String("channel", channel.id), zap.Int("pool", len(p.pool)))

	if !channel.isConnected() {
		p.logger.Debug("channel not connected", zap.String("channel", channel.id))
		replacement, derr := p.newChannel(true)
		if derr != nil {
			// could not create a new channel; re-add the broken channel to
			// the pool to prevent pool starvation
			p.pool <- channel
			p.logger.Debug("returned broken channel", zap.String("channel", channel.id), zap.Int("pool", len(p.pool)))
			return nil, derr
		}
		channel = replacement
	}
	channel.increaseRefCount()
	return channel, nil
}

func (p *ChannelPool) takeWithinTimeout(ctx context.Context) (*Channel, error) {
	if p.isClosed() {
		return nil, ErrFileSystemClosed
	}

	if p.waitTimeout == 0 {
		select {
		case channel := <-p.pool:
			return channel, nil
		case <-p.done:
			return nil, ErrFileSystemClosed
		case <-ctx.Done():
			return nil, wrapKind(ErrInterrupted, ctx.Err())
		}
	}

	timer := time.NewTimer(p.waitTimeout)
	defer timer.Stop()
	select {
	case channel := <-p.pool:
		return channel, nil
	case <-p.done:
		return nil, ErrFileSystemClosed
	case <-timer.C:
		return nil, ErrConnectionWaitTimeout
	case <-ctx.Done():
		return nil, wrapKind(ErrInterrupted, ctx.Err())
	}
}

// getOrCreate polls the pool without blocking and dials an unpooled ad-hoc
// channel when the pool is empty.
func (p *ChannelPool) getOrCreate() (*Channel, error) {
	if p.isClosed() {
		return nil, ErrFileSystemClosed
	}

	var channel *Channel
	select {
	case channel = <-p.pool:
	default:
		// nothing was taken from the pool, so no risk of pool starvation
		// if creating the channel fails
		adhoc, err := p.newChannel(false)
		if err != nil {
			return nil, err
		}
		adhoc.increaseRefCount()
		return adhoc, nil
	}

	p.logger.Debug("took channel", zap.String("channel", channel.id), zap.Int("pool", len(p.pool)))
	if !channel.isConnected() {
		p.logger.Debug("channel not connected", zap.String("channel", channel.id))
		replacement, err := p.newChannel(true)
		if err != nil {
			p.pool <- channel
			p.logger.Debug("returned broken channel", zap.String("channel", channel.id), zap.Int("pool", len(p.pool)))
			return nil, err
		}
		channel = replacement
	}
	channel.increaseRefCount()
	return channel, nil
}

// keepAlive pings every currently idle channel and re-enqueues it
// regardless of the result; a later get replaces any that died.  Busy
// channels are untouched.
func (p *ChannelPool) keepAlive() error {
	if p.isClosed() {
		return ErrFileSystemClosed
	}

	channels := p.drain()
	p.logger.Debug("drained pool for keep alive", zap.Int("channels", len(channels)))

	var result *multierror.Error
	for _, channel := range channels {
		if err := channel.keepAlive(); err != nil {
			result = multierror.Append(result, err)
		}
		p.returnToPool(channel)
	}
	return result.ErrorOrNil()
}

// close marks the pool closed, then drains and disconnects every idle
// channel.  Channels out in caller hands disconnect on final release.
func (p *ChannelPool) close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	channels := p.drain()
	p.logger.Debug("drained pool for close", zap.Int("channels", len(channels)))

	var result *multierror.Error
	for _, channel := range channels {
		if err := channel.disconnect(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (p *ChannelPool) drain() []*Channel {
	var channels []*Channel
	for {
		select {
		case channel := <-p.pool:
			channels = append(channels, channel)
		default:
			return channels
		}
	}
}

// returnToPool re-enqueues a fully released channel.  Once the pool is
// closed, returned channels disconnect instead.
func (p *ChannelPool) returnToPool(channel *Channel) {
	if channel.refCount != 0 {
		panic("sftpfs: channel returned to pool with live references")
	}

	if p.isClosed() {
		channel.disconnectQuietly()
		return
	}
	select {
	case p.pool <- channel:
		p.logger.Debug("returned channel", zap.String("channel", channel.id), zap.Int("pool", len(p.pool)))
	default:
		// pool raced with close/replacement and is full; drop the extra
		channel.disconnectQuietly()
	}
}
