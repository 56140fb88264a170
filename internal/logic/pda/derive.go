package pda

import (
	"fmt"

	"earnings-sync-sol/internal/consts"
	"earnings-sync-sol/internal/types"

	"github.com/blocto/solana-go-sdk/common"
)

// Deriver 按种子推导程序派生地址
type Deriver struct {
	programID types.Pubkey
}

func NewDeriver(programID types.Pubkey) *Deriver {
	return &Deriver{programID: programID}
}

func (d *Deriver) ProgramID() types.Pubkey {
	return d.programID
}

// PlayerAddress 玩家账户 PDA：["player", wallet]
func (d *Deriver) PlayerAddress(wallet types.Pubkey) (types.Pubkey, uint8, error) {
	return d.find([]byte(consts.PlayerSeed), wallet[:])
}

// GameStateAddress 全局状态 PDA：["game_state"]
func (d *Deriver) GameStateAddress() (types.Pubkey, uint8, error) {
	return d.find([]byte(consts.GameStateSeed))
}

func (d *Deriver) find(seeds ...[]byte) (types.Pubkey, uint8, error) {
	addr, bump, err := common.FindProgramAddress(seeds, common.PublicKey(d.programID))
	if err != nil {
		return types.Pubkey{}, 0, fmt.Errorf("find program address: %w", err)
	}
	return types.Pubkey(addr), bump, nil
}
