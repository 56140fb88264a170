package dispatch

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"testing"

	"earnings-sync-sol/internal/logic/pda"
	"earnings-sync-sol/internal/types"

	"github.com/blocto/solana-go-sdk/common"
	soltypes "github.com/blocto/solana-go-sdk/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testProgram = types.Pubkey{0xAB, 1, 2, 3}

func TestUpdateEarningsDiscriminator(t *testing.T) {
	sum := sha256.Sum256([]byte("global:update_earnings"))
	assert.Equal(t, sum[:8], updateEarningsDisc[:])
}

func TestTxBuilder_Instruction(t *testing.T) {
	deriver := pda.NewDeriver(testProgram)
	authority := soltypes.NewAccount()
	b, err := NewTxBuilder(deriver, authority)
	require.NoError(t, err)

	w := wallet(1)
	ix, err := b.Instruction(w)
	require.NoError(t, err)

	player, _, err := deriver.PlayerAddress(w)
	require.NoError(t, err)
	gameState, _, err := deriver.GameStateAddress()
	require.NoError(t, err)

	assert.Equal(t, common.PublicKey(testProgram), ix.ProgramID)
	assert.Equal(t, updateEarningsDisc[:], ix.Data)
	require.Len(t, ix.Accounts, 4)
	assert.Equal(t, authority.PublicKey, ix.Accounts[0].PubKey)
	assert.True(t, ix.Accounts[0].IsSigner)
	assert.Equal(t, common.PublicKey(gameState), ix.Accounts[1].PubKey)
	assert.Equal(t, common.PublicKey(player), ix.Accounts[2].PubKey)
	assert.True(t, ix.Accounts[2].IsWritable)
	assert.Equal(t, common.PublicKey(w), ix.Accounts[3].PubKey)
}

func TestTxBuilder_BuildSigned(t *testing.T) {
	b, err := NewTxBuilder(pda.NewDeriver(testProgram), soltypes.NewAccount())
	require.NoError(t, err)

	blockhash := types.Pubkey{9, 9, 9}.String()
	tx, err := b.Build(blockhash, wallets(3))
	require.NoError(t, err)
	assert.Len(t, tx.Signatures, 1)
	assert.Len(t, tx.Message.Instructions, 3)

	_, err = b.Build(blockhash, nil)
	assert.Error(t, err)
}

func TestLoadAuthority(t *testing.T) {
	acc := soltypes.NewAccount()

	parts := make([]string, len(acc.PrivateKey))
	for i, v := range acc.PrivateKey {
		parts[i] = fmt.Sprint(v)
	}
	fromJSON, err := LoadAuthority("[" + strings.Join(parts, ",") + "]")
	require.NoError(t, err)
	assert.Equal(t, acc.PublicKey, fromJSON.PublicKey)

	_, err = LoadAuthority("")
	assert.Error(t, err)
}
