package abac

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/abac/logger"
)

// PolicyBundle is a signed snapshot of the policies of one resource type.
// An empty ResourceType covers every policy.
type PolicyBundle struct {
	ResourceType string    `json:"resource_type"`
	Policies     []*Policy `json:"policies"`
	GeneratedAt  time.Time `json:"generated_at"`
	Signature    []byte    `json:"signature,omitempty"`
}

func (b *PolicyBundle) payload() ([]byte, error) {
	return json.Marshal(struct {
		ResourceType string    `json:"resource_type"`
		Policies     []*Policy `json:"policies"`
		GeneratedAt  time.Time `json:"generated_at"`
	}{b.ResourceType, b.Policies, b.GeneratedAt.UTC()})
}

// SignBundle signs b in place
func SignBundle(priv ed25519.PrivateKey, b *PolicyBundle) error {
	msg, err := b.payload()
	if err != nil {
		return err
	}
	b.Signature = ed25519.Sign(priv, msg)
	return nil
}

// VerifyBundle checks a bundle signature
func VerifyBundle(pub ed25519.PublicKey, b *PolicyBundle) error {
	msg, err := b.payload()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, b.Signature) {
		return errors.New("policy bundle signature mismatch")
	}
	return nil
}

type BundleSubscriber interface {
	OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *PolicyBundle) error
}

type BundleSubscriberFunc func(ctx context.Context, pub ed25519.PublicKey, bundle *PolicyBundle) error

func (f BundleSubscriberFunc) OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *PolicyBundle) error {
	return f(ctx, pub, bundle)
}

// PolicyBundleDistributor pushes signed policy snapshots to subscribers after
// every policy change, e.g. engines in other processes that need to drop
// their decision caches
type PolicyBundleDistributor struct {
	policyStore      PolicyAdminStore
	pub              ed25519.PublicKey
	priv             ed25519.PrivateKey
	rotationInterval time.Duration
	notifyCh         chan string
	stopCh           chan struct{}
	subscribers      map[string][]BundleSubscriber
	logger           logger.Logger
	mu               sync.RWMutex
	started          bool
	wg               sync.WaitGroup
}

type PolicyBundleDistributorOption func(*PolicyBundleDistributor)

func WithBundleSigningKey(priv ed25519.PrivateKey) PolicyBundleDistributorOption {
	return func(d *PolicyBundleDistributor) {
		if len(priv) == ed25519.PrivateKeySize {
			d.priv = append(ed25519.PrivateKey{}, priv...)
			d.pub = priv.Public().(ed25519.PublicKey)
		}
	}
}

func WithBundleRotationInterval(interval time.Duration) PolicyBundleDistributorOption {
	return func(d *PolicyBundleDistributor) {
		if interval > 0 {
			d.rotationInterval = interval
		}
	}
}

func WithBundleLogger(l logger.Logger) PolicyBundleDistributorOption {
	return func(d *PolicyBundleDistributor) {
		if l != nil {
			d.logger = l
		}
	}
}

func NewPolicyBundleDistributor(store PolicyAdminStore, opts ...PolicyBundleDistributorOption) (*PolicyBundleDistributor, error) {
	if store == nil {
		return nil, fmt.Errorf("policy store is required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	dist := &PolicyBundleDistributor{
		policyStore:      store,
		priv:             priv,
		pub:              pub,
		rotationInterval: 24 * time.Hour,
		notifyCh:         make(chan string, 1024),
		stopCh:           make(chan struct{}),
		subscribers:      make(map[string][]BundleSubscriber),
		logger:           logger.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(dist)
	}
	return dist, nil
}

func (d *PolicyBundleDistributor) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.rotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case resourceType := <-d.notifyCh:
				if err := d.distribute(ctx, resourceType); err != nil {
					d.logger.Error("bundle distribution failed", "resource_type", resourceType, "error", err)
				}
			case <-ticker.C:
				if err := d.RotateSigningKey(); err != nil {
					d.logger.Error("bundle key rotation failed", "error", err)
				}
			}
		}
	}()
}

func (d *PolicyBundleDistributor) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopCh)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// NotifyPolicyChange schedules a bundle for resourceType; empty means every
// type. Notifications are dropped when the queue is full.
func (d *PolicyBundleDistributor) NotifyPolicyChange(resourceType string) {
	select {
	case d.notifyCh <- resourceType:
	default:
		d.logger.Warn("bundle notification dropped", "resource_type", resourceType)
	}
}

// RegisterSubscriber subscribes to one resource type, or to all with "" or "*"
func (d *PolicyBundleDistributor) RegisterSubscriber(resourceType string, sub BundleSubscriber) {
	if sub == nil {
		return
	}
	if resourceType == "" {
		resourceType = "*"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[resourceType] = append(d.subscribers[resourceType], sub)
}

func (d *PolicyBundleDistributor) RotateSigningKey() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.priv = priv
	d.pub = pub
	d.mu.Unlock()
	return nil
}

func (d *PolicyBundleDistributor) CurrentPublicKey() ed25519.PublicKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append(ed25519.PublicKey(nil), d.pub...)
}

func (d *PolicyBundleDistributor) distribute(ctx context.Context, resourceType string) error {
	policies, err := d.policyStore.ListPolicies(ctx, resourceType)
	if err != nil {
		return err
	}
	bundle := &PolicyBundle{ResourceType: resourceType, Policies: policies, GeneratedAt: time.Now().UTC()}
	d.mu.RLock()
	priv, pub := d.priv, append(ed25519.PublicKey(nil), d.pub...)
	d.mu.RUnlock()
	if err := SignBundle(priv, bundle); err != nil {
		return err
	}
	for _, sub := range d.collectSubscribers(resourceType) {
		if err := sub.OnBundle(ctx, pub, bundle); err != nil {
			d.logger.Error("bundle subscriber failed", "resource_type", resourceType, "error", err)
		}
	}
	return nil
}

func (d *PolicyBundleDistributor) collectSubscribers(resourceType string) []BundleSubscriber {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if resourceType == "" || resourceType == "*" {
		subs := make([]BundleSubscriber, 0)
		for _, list := range d.subscribers {
			subs = append(subs, list...)
		}
		return subs
	}
	subs := make([]BundleSubscriber, 0, len(d.subscribers[resourceType])+len(d.subscribers["*"]))
	subs = append(subs, d.subscribers[resourceType]...)
	subs = append(subs, d.subscribers["*"]...)
	return subs
}

// CacheInvalidator returns a subscriber that drops the engine's decision
// cache whenever a verified bundle arrives
func CacheInvalidator(e *Engine) BundleSubscriber {
	return BundleSubscriberFunc(func(ctx context.Context, pub ed25519.PublicKey, bundle *PolicyBundle) error {
		if err := VerifyBundle(pub, bundle); err != nil {
			return err
		}
		return e.InvalidateDecisionCache(ctx)
	})
}
