// Copyright The Balloond Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memd

import (
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	logger "github.com/containers/balloond/pkg/log"
	"github.com/containers/balloond/pkg/memd/config"
	"github.com/containers/balloond/pkg/xen"
)

// maxRounds bounds the number of balancing rounds of a single request.
// Each round either meets the need, exhausts some domain's slack or
// shrinks the cooperative set, so this is never reached with a sane
// domain proxy.
const maxRounds = 10

// balancer is the balance engine. It computes how much memory the domain
// population can give up or absorb, drives the multi-round cooperative
// balloon-adjustment protocol and classifies failures. It runs under the
// daemon's exclusive lock; nothing here takes locks of its own.
type balancer struct {
	proxy xen.Interface
	cfg   *config.Config
	log   logger.Logger

	// withheld reports memory already promised to reservations not yet
	// transferred to a domain. It is kept free on top of the host's
	// reserved slack.
	withheld func() (int64, error)

	// uncooperative tracks domains excluded from balancing after failing
	// to make balloon progress, with the time of exclusion so they can
	// be re-admitted once the decay interval passes.
	uncooperative map[xen.DomID]time.Time
}

// domainInfo pairs a domain with its state read at the start of a round.
type domainInfo struct {
	id    xen.DomID
	state *xen.DomainState
}

func newBalancer(proxy xen.Interface, cfg *config.Config, withheld func() (int64, error)) *balancer {
	return &balancer{
		proxy:         proxy,
		cfg:           cfg,
		log:           logger.Get("balance"),
		withheld:      withheld,
		uncooperative: make(map[xen.DomID]time.Time),
	}
}

// freeMemory attempts to obtain kib KiB of free host memory on top of
// the reserved slack and outstanding reservations.
func (b *balancer) freeMemory(kib int64) error {
	required, err := b.requiredFree(kib)
	if err != nil {
		return err
	}
	return b.achieveFree(required, kib)
}

// freeMemoryRange attempts freeMemory(max) and returns the obtained
// amount. On a capacity failure it retries with the largest obtainable
// amount at least minKib; if even that is infeasible, the capacity
// failure propagates.
func (b *balancer) freeMemoryRange(minKib, maxKib int64) (int64, error) {
	// An inverted range is empty; no amount can satisfy it.
	if minKib > maxKib {
		return 0, &CapacityError{NeededKiB: minKib, FreeKiB: maxKib}
	}

	err := b.freeMemory(maxKib)
	if err == nil {
		return maxKib, nil
	}

	capErr := &CapacityError{}
	if !errors.As(err, &capErr) {
		return 0, err
	}

	obtainable := capErr.FreeKiB
	if obtainable > maxKib {
		obtainable = maxKib
	}
	if obtainable < minKib {
		return 0, err
	}

	b.log.Info("can't free %d KiB, retrying with obtainable %d KiB", maxKib, obtainable)

	if err := b.freeMemory(obtainable); err != nil {
		return 0, err
	}
	return obtainable, nil
}

// isHostMemoryUnbalanced checks whether measured free memory is outside
// the hysteresis band around the ideal. The band prevents thrashing on
// transient measurement noise.
func (b *balancer) isHostMemoryUnbalanced() (bool, int64, int64, error) {
	free, err := b.proxy.HostFreeMemory()
	if err != nil {
		return false, 0, 0, err
	}

	ideal, err := b.requiredFree(0)
	if err != nil {
		return false, 0, 0, err
	}

	delta := free - ideal
	if delta < 0 {
		delta = -delta
	}

	return delta > b.cfg.HysteresisKiB, free, ideal, nil
}

// balanceMemory nudges the host back into its target-free-memory band:
// excess free memory is handed out as headroom to domains below their
// dynamic maximum, a deficit is recovered with a freeing run.
func (b *balancer) balanceMemory() error {
	unbalanced, free, ideal, err := b.isHostMemoryUnbalanced()
	if err != nil {
		return err
	}
	if !unbalanced {
		b.log.Debug("host memory balanced: free %d KiB, ideal %d KiB", free, ideal)
		return nil
	}

	if free < ideal {
		b.log.Info("host memory low: free %d KiB, ideal %d KiB", free, ideal)
		return b.achieveFree(ideal, ideal-free)
	}

	b.log.Info("host memory in excess: free %d KiB, ideal %d KiB", free, ideal)
	return b.distributeExcess(free - ideal)
}

// requiredFree is the raw free memory the host must hold for the given
// application-level need: the need itself, the permanently reserved
// slack and all memory promised to outstanding reservations.
func (b *balancer) requiredFree(kib int64) (int64, error) {
	promised, err := b.withheld()
	if err != nil {
		return 0, err
	}
	return kib + b.cfg.HostReservedKiB + promised, nil
}

// achieveFree runs balancing rounds until measured free memory reaches
// required, or classifies the failure. neededKiB is the application-level
// need used in error reporting.
func (b *balancer) achieveFree(required, neededKiB int64) error {
	b.readmitCooperative()

	for round := 0; round < maxRounds; round++ {
		free, err := b.proxy.HostFreeMemory()
		if err != nil {
			return err
		}
		if free >= required {
			return nil
		}
		shortfall := required - free

		cooperative, excluded, err := b.population()
		if err != nil {
			return err
		}

		totalSlack := int64(0)
		for _, d := range cooperative {
			totalSlack += d.state.Slack()
		}

		if totalSlack == 0 {
			return b.classifyShortfall(free, shortfall, neededKiB, excluded)
		}

		take := shortfall
		if take > totalSlack {
			take = totalSlack
		}

		b.log.Info("round %d: freeing %d KiB of %d KiB shortfall across %d domains",
			round, take, shortfall, len(cooperative))

		adjusted, err := b.shrinkProportionally(cooperative, take, totalSlack)
		if err != nil {
			return err
		}

		b.awaitConvergence(adjusted, shrinking)
	}

	return memdError("balancing made no progress after %d rounds", maxRounds)
}

// classifyShortfall decides between a capacity failure and a cooperation
// failure once all cooperative slack is exhausted. The exclusion of
// uncooperative domains caused the shortfall only if their remaining
// slack would have covered it.
func (b *balancer) classifyShortfall(free, shortfall, neededKiB int64, excluded []domainInfo) error {
	obtainable := neededKiB - shortfall
	if obtainable < 0 {
		obtainable = 0
	}

	if len(excluded) > 0 {
		excludedSlack := int64(0)
		domids := make([]xen.DomID, 0, len(excluded))
		for _, d := range excluded {
			excludedSlack += d.state.Slack()
			domids = append(domids, d.id)
		}

		if excludedSlack >= shortfall {
			sort.Slice(domids, func(i, j int) bool { return domids[i] < domids[j] })
			return &CooperationError{Domains: domids}
		}
	}

	return &CapacityError{NeededKiB: neededKiB, FreeKiB: obtainable}
}

// shrinkProportionally distributes take KiB across the cooperative
// domains proportionally to their slack and writes the new targets. A
// domain contributing twice the slack absorbs twice the adjustment.
func (b *balancer) shrinkProportionally(cooperative []domainInfo, take, totalSlack int64) ([]domainInfo, error) {
	deltas := proportionalShares(cooperative, take, totalSlack, func(d domainInfo) int64 {
		return d.state.Slack()
	})

	var adjusted []domainInfo
	var errs *multierror.Error

	for i, d := range cooperative {
		if deltas[i] == 0 {
			continue
		}
		target := d.state.Target - deltas[i]
		if err := b.proxy.SetTarget(d.id, target); err != nil {
			if errors.Is(err, xen.ErrDomainNotFound) {
				b.log.Warn("domain %d vanished during balancing", d.id)
				continue
			}
			errs = multierror.Append(errs, err)
			continue
		}
		d.state.Target = target
		adjusted = append(adjusted, d)
	}

	return adjusted, errs.ErrorOrNil()
}

// distributeExcess grows domains below their dynamic maximum, handing
// out excess free memory proportionally to headroom. Growth is best
// effort: a domain that does not take the offered memory is not a
// failure, the excess simply remains free.
func (b *balancer) distributeExcess(excess int64) error {
	cooperative, _, err := b.population()
	if err != nil {
		return err
	}

	totalHeadroom := int64(0)
	for _, d := range cooperative {
		totalHeadroom += d.state.Headroom()
	}
	if totalHeadroom == 0 {
		b.log.Debug("no domain has headroom, leaving %d KiB free", excess)
		return nil
	}

	give := excess
	if give > totalHeadroom {
		give = totalHeadroom
	}

	deltas := proportionalShares(cooperative, give, totalHeadroom, func(d domainInfo) int64 {
		return d.state.Headroom()
	})

	var adjusted []domainInfo
	var errs *multierror.Error

	for i, d := range cooperative {
		if deltas[i] == 0 {
			continue
		}
		target := d.state.Target + deltas[i]
		if err := b.proxy.SetTarget(d.id, target); err != nil {
			if errors.Is(err, xen.ErrDomainNotFound) {
				b.log.Warn("domain %d vanished during balancing", d.id)
				continue
			}
			errs = multierror.Append(errs, err)
			continue
		}
		d.state.Target = target
		adjusted = append(adjusted, d)
	}

	b.awaitConvergence(adjusted, growing)

	return errs.ErrorOrNil()
}

type direction int

const (
	shrinking direction = iota
	growing
)

// awaitConvergence polls the adjusted domains' current allocation until
// each reaches its new target within the tolerance, or the per-round
// grace timeout elapses. Domains whose allocation has not moved
// meaningfully by the timeout are marked uncooperative and their target
// is reset to their actual allocation.
func (b *balancer) awaitConvergence(adjusted []domainInfo, dir direction) {
	if len(adjusted) == 0 {
		return
	}

	start := make(map[xen.DomID]int64, len(adjusted))
	for _, d := range adjusted {
		start[d.id] = d.state.CurrentAllocation
	}

	pending := adjusted
	deadline := time.Now().Add(b.cfg.GraceTimeout.Duration)

	for len(pending) > 0 && time.Now().Before(deadline) {
		var still []domainInfo

		for _, d := range pending {
			state, err := b.proxy.ReadDomain(d.id)
			if err != nil {
				if errors.Is(err, xen.ErrDomainNotFound) {
					b.log.Warn("domain %d vanished while converging", d.id)
					continue
				}
				still = append(still, d)
				continue
			}

			if converged(state, d.state.Target, b.cfg.ToleranceKiB, dir) {
				continue
			}

			d.state.CurrentAllocation = state.CurrentAllocation
			still = append(still, d)
		}

		pending = still
		if len(pending) > 0 {
			time.Sleep(b.cfg.PollInterval.Duration)
		}
	}

	for _, d := range pending {
		moved := d.state.CurrentAllocation - start[d.id]
		if moved < 0 {
			moved = -moved
		}
		if moved >= b.cfg.ToleranceKiB {
			// Moving, just slowly. Leave it in the population; the next
			// round will recompute against its actual state.
			continue
		}

		if dir == growing {
			b.log.Info("domain %d did not absorb offered memory", d.id)
			continue
		}

		b.log.Warn("domain %d made no balloon progress within %v, marking uncooperative",
			d.id, b.cfg.GraceTimeout.Duration)
		b.uncooperative[d.id] = time.Now()

		// Give the unachieved portion back: realign the target with what
		// the domain actually holds.
		if err := b.proxy.SetTarget(d.id, d.state.CurrentAllocation); err != nil &&
			!errors.Is(err, xen.ErrDomainNotFound) {
			b.log.Error("failed to reset target of uncooperative domain %d: %v", d.id, err)
		}
	}
}

// population reads the state of all running domains, splitting them into
// the cooperative balancing set and the currently excluded ones. Domain
// zero is excluded entirely under a fixed-size policy; under auto-balloon
// its dynamic range comes from the policy rather than the domain.
func (b *balancer) population() (cooperative, excluded []domainInfo, err error) {
	domids, err := b.proxy.ListDomains()
	if err != nil {
		return nil, nil, err
	}

	for _, domid := range domids {
		if domid == xen.Domain0 && b.cfg.DomainZero.Mode == config.FixedSize {
			continue
		}

		state, err := b.proxy.ReadDomain(domid)
		if err != nil {
			if errors.Is(err, xen.ErrDomainNotFound) {
				continue
			}
			return nil, nil, err
		}

		if domid == xen.Domain0 {
			state.DynamicMin = b.cfg.DomainZero.MinKiB
			state.DynamicMax = b.cfg.DomainZero.MaxKiB
		}

		d := domainInfo{id: domid, state: state}
		if _, marked := b.uncooperative[domid]; marked {
			excluded = append(excluded, d)
		} else {
			cooperative = append(cooperative, d)
		}
	}

	return cooperative, excluded, nil
}

// readmitCooperative re-admits uncooperative domains whose exclusion has
// outlived the decay interval, so a transiently stuck guest is not
// blacklisted forever.
func (b *balancer) readmitCooperative() {
	decay := b.cfg.UncooperativeDecay.Duration
	if decay <= 0 {
		return
	}

	for domid, since := range b.uncooperative {
		if time.Since(since) >= decay {
			b.log.Info("re-admitting domain %d to the balancing population", domid)
			delete(b.uncooperative, domid)
		}
	}
}

// uncooperativeDomains returns the currently excluded domain ids.
func (b *balancer) uncooperativeDomains() []xen.DomID {
	domids := make([]xen.DomID, 0, len(b.uncooperative))
	for domid := range b.uncooperative {
		domids = append(domids, domid)
	}
	sort.Slice(domids, func(i, j int) bool { return domids[i] < domids[j] })
	return domids
}

// converged checks whether a domain has reached its target within the
// tolerance, from the relevant direction.
func converged(state *xen.DomainState, target, tolerance int64, dir direction) bool {
	if dir == shrinking {
		return state.CurrentAllocation <= target+tolerance
	}
	return state.CurrentAllocation >= target-tolerance
}

// proportionalShares splits amount across domains proportionally to
// their weight, capping each share at the weight and handing rounding
// leftovers to the heaviest domains first.
func proportionalShares(domains []domainInfo, amount, total int64, weight func(domainInfo) int64) []int64 {
	shares := make([]int64, len(domains))
	assigned := int64(0)

	for i, d := range domains {
		shares[i] = amount * weight(d) / total
		assigned += shares[i]
	}

	// Distribute the rounding remainder, heaviest weights first.
	order := make([]int, len(domains))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return weight(domains[order[i]]) > weight(domains[order[j]])
	})

	for _, i := range order {
		if assigned >= amount {
			break
		}
		if room := weight(domains[i]) - shares[i]; room > 0 {
			inc := amount - assigned
			if inc > room {
				inc = room
			}
			shares[i] += inc
			assigned += inc
		}
	}

	return shares
}
