package handlers

import (
	"context"
	"fmt"
	"math"

	"earnings-sync-sol/internal/logic/core"
	"earnings-sync-sol/internal/logic/eventparser"
	"earnings-sync-sol/internal/logic/pda"
	"earnings-sync-sol/internal/store"
	"earnings-sync-sol/internal/types"
)

// NewMirrorRegistry 返回登记了全部默认镜像处理器的 Registry
func NewMirrorRegistry(deriver *pda.Deriver) *Registry {
	m := &mirror{deriver: deriver}
	r := NewRegistry()
	_ = r.Register(core.EventPlayerCreated, m.playerCreated)
	_ = r.Register(core.EventBusinessCreated, m.businessCreated)
	_ = r.Register(core.EventBusinessUpgraded, m.businessUpgraded)
	_ = r.Register(core.EventBusinessSold, m.businessSold)
	_ = r.Register(core.EventEarningsUpdated, m.earningsUpdated)
	_ = r.Register(core.EventEarningsClaimed, m.earningsClaimed)
	return r
}

type mirror struct {
	deriver *pda.Deriver
}

func (m *mirror) playerCreated(ctx context.Context, sess store.Session, ev *core.Event) error {
	p, ok := ev.Payload.(*eventparser.PlayerCreated)
	if !ok {
		return payloadError(ev)
	}
	player, err := m.loadOrNewPlayer(ctx, sess, p.Wallet)
	if err != nil {
		return err
	}
	player.Referrer = p.Referrer
	player.IsActive = true
	if player.LastUpdateTime == 0 {
		player.LastUpdateTime = p.Timestamp
	}
	return sess.UpsertPlayer(ctx, player)
}

func (m *mirror) businessCreated(ctx context.Context, sess store.Session, ev *core.Event) error {
	p, ok := ev.Payload.(*eventparser.BusinessCreated)
	if !ok {
		return payloadError(ev)
	}
	player, err := m.loadOrNewPlayer(ctx, sess, p.Wallet)
	if err != nil {
		return err
	}
	amount := clampU64(p.Amount)
	if err := sess.UpsertBusiness(ctx, &store.Business{
		Wallet:        p.Wallet,
		SlotIndex:     p.SlotIndex,
		BusinessType:  p.BusinessType,
		Level:         1,
		IsActive:      true,
		TotalInvested: amount,
		EarningsRate:  clampU64(p.EarningsRate),
		CreatedAt:     p.Timestamp,
		LastClaimAt:   p.Timestamp,
	}); err != nil {
		return err
	}
	player.TotalInvested = addClamped(player.TotalInvested, amount)
	player.BusinessCount++
	return sess.UpsertPlayer(ctx, player)
}

func (m *mirror) businessUpgraded(ctx context.Context, sess store.Session, ev *core.Event) error {
	p, ok := ev.Payload.(*eventparser.BusinessUpgraded)
	if !ok {
		return payloadError(ev)
	}
	player, err := m.loadOrNewPlayer(ctx, sess, p.Wallet)
	if err != nil {
		return err
	}
	business, err := findBusiness(ctx, sess, p.Wallet, p.SlotIndex)
	if err != nil {
		return err
	}
	if business == nil {
		// 漏掉了创建事件，交给对账补齐槽位的其它字段
		business = &store.Business{Wallet: p.Wallet, SlotIndex: p.SlotIndex, IsActive: true}
	}
	cost := clampU64(p.Cost)
	business.Level = p.NewLevel
	business.EarningsRate = clampU64(p.NewEarningsRate)
	business.TotalInvested = addClamped(business.TotalInvested, cost)
	if err := sess.UpsertBusiness(ctx, business); err != nil {
		return err
	}
	player.TotalUpgradeSpent = addClamped(player.TotalUpgradeSpent, cost)
	return sess.UpsertPlayer(ctx, player)
}

func (m *mirror) businessSold(ctx context.Context, sess store.Session, ev *core.Event) error {
	p, ok := ev.Payload.(*eventparser.BusinessSold)
	if !ok {
		return payloadError(ev)
	}
	player, err := m.loadOrNewPlayer(ctx, sess, p.Wallet)
	if err != nil {
		return err
	}
	business, err := findBusiness(ctx, sess, p.Wallet, p.SlotIndex)
	if err != nil {
		return err
	}
	if business != nil && business.IsActive {
		business.IsActive = false
		if err := sess.UpsertBusiness(ctx, business); err != nil {
			return err
		}
		if player.BusinessCount > 0 {
			player.BusinessCount--
		}
	}
	player.TotalWithdrawn = addClamped(player.TotalWithdrawn, clampU64(p.Payout))
	return sess.UpsertPlayer(ctx, player)
}

func (m *mirror) earningsUpdated(ctx context.Context, sess store.Session, ev *core.Event) error {
	p, ok := ev.Payload.(*eventparser.EarningsUpdated)
	if !ok {
		return payloadError(ev)
	}
	player, err := m.loadOrNewPlayer(ctx, sess, p.Wallet)
	if err != nil {
		return err
	}
	player.TotalEarned = addClamped(player.TotalEarned, clampU64(p.Amount))
	player.PendingEarnings = clampU64(p.PendingEarnings)
	player.NextEarningsTime = p.NextEarningsTime
	player.LastUpdateTime = p.Timestamp
	return sess.UpsertPlayer(ctx, player)
}

func (m *mirror) earningsClaimed(ctx context.Context, sess store.Session, ev *core.Event) error {
	p, ok := ev.Payload.(*eventparser.EarningsClaimed)
	if !ok {
		return payloadError(ev)
	}
	player, err := m.loadOrNewPlayer(ctx, sess, p.Wallet)
	if err != nil {
		return err
	}
	amount := clampU64(p.Amount)
	player.PendingEarnings -= amount
	if player.PendingEarnings < 0 {
		player.PendingEarnings = 0
	}
	player.TotalWithdrawn = addClamped(player.TotalWithdrawn, amount)
	return sess.UpsertPlayer(ctx, player)
}

// loadOrNewPlayer 玩家不存在时按钱包推导 PDA 新建
func (m *mirror) loadOrNewPlayer(ctx context.Context, sess store.Session, wallet types.Pubkey) (*store.Player, error) {
	player, err := sess.GetPlayer(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if player != nil {
		return player, nil
	}
	addr, _, err := m.deriver.PlayerAddress(wallet)
	if err != nil {
		return nil, fmt.Errorf("derive player pda for %s: %w", wallet, err)
	}
	return &store.Player{Wallet: wallet, Address: addr, IsActive: true}, nil
}

func findBusiness(ctx context.Context, sess store.Session, wallet types.Pubkey, slot uint8) (*store.Business, error) {
	list, err := sess.ListBusinesses(ctx, wallet)
	if err != nil {
		return nil, err
	}
	for _, b := range list {
		if b.SlotIndex == slot {
			return b, nil
		}
	}
	return nil, nil
}

func payloadError(ev *core.Event) error {
	return fmt.Errorf("handlers: unexpected payload %T for %s", ev.Payload, ev.Type)
}

func clampU64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func addClamped(a, b int64) int64 {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
