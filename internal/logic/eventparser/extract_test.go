package eventparser

import (
	"testing"

	"earnings-sync-sol/internal/logic/core"
	"earnings-sync-sol/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testProgram  = types.Pubkey{7, 7, 7}
	otherProgram = types.Pubkey{8, 8, 8}
)

func mustLine(t *testing.T, et core.EventType, payload any) string {
	t.Helper()
	line, err := EncodeLogLine(et, payload)
	require.NoError(t, err)
	return line
}

func TestExtractEvents(t *testing.T) {
	wallet := types.Pubkey{1, 2, 3}
	logs := []string{
		"Program " + testProgram.String() + " invoke [1]",
		"Program log: Instruction: CreateBusiness",
		mustLine(t, core.EventBusinessCreated, BusinessCreated{Wallet: wallet, SlotIndex: 2, BusinessType: 3, Amount: 5_000_000, EarningsRate: 120, Timestamp: 1_700_000_000}),
		"Program " + otherProgram.String() + " invoke [2]",
		mustLine(t, core.EventEarningsClaimed, EarningsClaimed{Wallet: wallet, Amount: 1}),
		"Program " + otherProgram.String() + " success",
		mustLine(t, core.EventEarningsUpdated, EarningsUpdated{Wallet: wallet, Amount: 10, PendingEarnings: 99, NextEarningsTime: 1_700_003_600}),
		"Program data: bm90IGFuIGV2ZW50", // 未知 discriminator
		"Program " + testProgram.String() + " consumed 12345 of 200000 compute units",
		"Program " + testProgram.String() + " success",
	}
	tx := &core.AdaptedTx{Signature: "sig-1", Slot: 42, BlockTime: 1_700_000_001, LogMessages: logs}

	events := NewParser(testProgram).ExtractEvents(tx)
	require.Len(t, events, 2, "嵌套调用的其它程序事件需忽略")

	assert.Equal(t, core.EventBusinessCreated, events[0].Type)
	created, ok := events[0].Payload.(*BusinessCreated)
	require.True(t, ok)
	assert.Equal(t, uint8(2), created.SlotIndex)
	assert.Equal(t, uint64(5_000_000), created.Amount)
	assert.Equal(t, wallet, events[0].Wallet)
	assert.Equal(t, uint64(42), events[0].Slot)
	assert.Equal(t, "sig-1", events[0].Signature)

	assert.Equal(t, core.EventEarningsUpdated, events[1].Type)
	updated := events[1].Payload.(*EarningsUpdated)
	assert.Equal(t, uint64(99), updated.PendingEarnings)
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestExtractEvents_FailedTx(t *testing.T) {
	tx := &core.AdaptedTx{
		Signature: "sig-2",
		Failed:    true,
		LogMessages: []string{
			"Program " + testProgram.String() + " invoke [1]",
			mustLine(t, core.EventPlayerCreated, PlayerCreated{Wallet: types.Pubkey{1}}),
			"Program " + testProgram.String() + " failed: custom program error: 0x177f",
		},
	}
	assert.Empty(t, NewParser(testProgram).ExtractEvents(tx))
}

func TestExtractEvents_TruncatedPayload(t *testing.T) {
	line := mustLine(t, core.EventBusinessSold, BusinessSold{Wallet: types.Pubkey{1}, SlotIndex: 1, Payout: 10})
	tx := &core.AdaptedTx{
		Signature: "sig-3",
		LogMessages: []string{
			"Program " + testProgram.String() + " invoke [1]",
			line[:len(line)-8],
			"Program " + testProgram.String() + " success",
		},
	}
	assert.Empty(t, NewParser(testProgram).ExtractEvents(tx), "截断的数据不能产生事件")
}

func TestDiscriminator_Unique(t *testing.T) {
	seen := map[uint64]core.EventType{}
	for _, et := range core.AllEventTypes {
		d := Discriminator(et)
		_, dup := seen[d]
		assert.False(t, dup, et)
		seen[d] = et
	}
	assert.Len(t, decoders, len(core.AllEventTypes))
}

func TestDecoders_TypeFromStructName(t *testing.T) {
	for _, et := range core.AllEventTypes {
		dec, ok := decoders[Discriminator(et)]
		require.True(t, ok, et)
		assert.Equal(t, et, dec.eventType)
	}
	dec := decoders[Discriminator(core.EventBusinessSold)]
	payload, _, err := dec.decode(make([]byte, 32+1+8+8))
	require.NoError(t, err)
	assert.IsType(t, &BusinessSold{}, payload, "结构体名与事件类型一一对应")
}
