package pda

import (
	"context"
	"fmt"
	"time"

	"earnings-sync-sol/internal/cache"
	"earnings-sync-sol/internal/consts"
	"earnings-sync-sol/internal/pkg/logger"
	"earnings-sync-sol/internal/rpc"
	"earnings-sync-sol/internal/types"
	"earnings-sync-sol/pkg/utils"

	"github.com/lightningnetwork/lnd/clock"
)

const validationCacheSize = 100_000

// AccountReader 校验所需的账户读取能力，由 rpc.Gateway 实现
type AccountReader interface {
	GetAccountInfo(ctx context.Context, address types.Pubkey) (rpc.AccountInfo, error)
	GetMultipleAccounts(ctx context.Context, addresses []types.Pubkey) ([]rpc.AccountInfo, error)
	BatchSizeAccounts() int
}

// ValidationResult 单个玩家 PDA 的校验结果。
// Err 非 nil 表示读取失败（结果未知），此时 IsValid=false，但绝不能据此判定账户不存在。
type ValidationResult struct {
	Wallet    types.Pubkey
	Address   types.Pubkey
	Exists    bool
	IsValid   bool
	Owner     types.Pubkey
	Data      []byte
	Err       error
	CheckedAt time.Time
}

// ConfirmedInvalid 账户读取成功且确认不存在或不属于本程序
func (r ValidationResult) ConfirmedInvalid() bool {
	return r.Err == nil && !r.IsValid
}

// Validator 校验玩家 PDA 是否存在且属于本程序，成功结果带 TTL 缓存
type Validator struct {
	deriver     *Deriver
	reader      AccountReader
	cache       *cache.TTLCache[types.Pubkey, ValidationResult]
	clock       clock.Clock
	maxInFlight int
}

func NewValidator(deriver *Deriver, reader AccountReader, ttl time.Duration, clk clock.Clock) (*Validator, error) {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	if ttl <= 0 {
		ttl = consts.DefaultValidationCacheTTL
	}
	c, err := cache.NewTTLCache[types.Pubkey, ValidationResult](validationCacheSize, ttl, clk)
	if err != nil {
		return nil, err
	}
	return &Validator{
		deriver:     deriver,
		reader:      reader,
		cache:       c,
		clock:       clk,
		maxInFlight: consts.DefaultMaxValidateInFlight,
	}, nil
}

func (v *Validator) Deriver() *Deriver {
	return v.deriver
}

// Validate 校验单个玩家
func (v *Validator) Validate(ctx context.Context, wallet types.Pubkey) ValidationResult {
	if res, ok := v.cache.Get(wallet); ok {
		return res
	}

	addr, _, err := v.deriver.PlayerAddress(wallet)
	if err != nil {
		return v.failed(wallet, addr, err)
	}
	info, err := v.reader.GetAccountInfo(ctx, addr)
	if err != nil {
		return v.failed(wallet, addr, err)
	}
	res := v.evaluate(wallet, addr, info)
	v.cache.Add(wallet, res)
	return res
}

// BatchValidate 批量校验，结果与入参顺序一致。
// 缓存命中直接返回；未命中的按 BatchSizeAccounts 分批 getMultipleAccounts，最多 10 个批次并发；
// 某一批读取失败只影响该批，转为带 Err 的失败结果。
func (v *Validator) BatchValidate(ctx context.Context, wallets []types.Pubkey) []ValidationResult {
	results := make([]ValidationResult, len(wallets))

	type pending struct {
		idx    int
		wallet types.Pubkey
		addr   types.Pubkey
	}
	var misses []pending
	for i, w := range wallets {
		if res, ok := v.cache.Get(w); ok {
			results[i] = res
			continue
		}
		addr, _, err := v.deriver.PlayerAddress(w)
		if err != nil {
			results[i] = v.failed(w, addr, err)
			continue
		}
		misses = append(misses, pending{idx: i, wallet: w, addr: addr})
	}
	if len(misses) == 0 {
		return results
	}

	batchSize := max(v.reader.BatchSizeAccounts(), 1)
	var chunks [][]pending
	for start := 0; start < len(misses); start += batchSize {
		chunks = append(chunks, misses[start:min(start+batchSize, len(misses))])
	}

	utils.ParallelMap(chunks, v.maxInFlight, func(chunk []pending) struct{} {
		addrs := make([]types.Pubkey, len(chunk))
		for i, p := range chunk {
			addrs[i] = p.addr
		}

		infos, err := v.reader.GetMultipleAccounts(ctx, addrs)
		if err == nil && len(infos) != len(chunk) {
			err = fmt.Errorf("getMultipleAccounts returned %d accounts for %d addresses", len(infos), len(chunk))
		}
		for i, p := range chunk {
			if err != nil {
				results[p.idx] = v.failed(p.wallet, p.addr, err)
				continue
			}
			res := v.evaluate(p.wallet, p.addr, infos[i])
			v.cache.Add(p.wallet, res)
			results[p.idx] = res
		}
		if err != nil {
			logger.Warnf("[PdaValidator] 批量读取 %d 个账户失败: %v", len(chunk), err)
		}
		return struct{}{}
	})
	return results
}

// ClearCache 显式清空缓存
func (v *Validator) ClearCache() {
	v.cache.Purge()
}

func (v *Validator) evaluate(wallet, addr types.Pubkey, info rpc.AccountInfo) ValidationResult {
	return ValidationResult{
		Wallet:    wallet,
		Address:   addr,
		Exists:    info.Exists,
		IsValid:   info.Exists && info.Owner == v.deriver.ProgramID() && len(info.Data) > 0,
		Owner:     info.Owner,
		Data:      info.Data,
		CheckedAt: v.clock.Now(),
	}
}

// failed 读取失败的结果不进缓存
func (v *Validator) failed(wallet, addr types.Pubkey, err error) ValidationResult {
	return ValidationResult{
		Wallet:    wallet,
		Address:   addr,
		Err:       err,
		CheckedAt: v.clock.Now(),
	}
}
