package eventparser

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"reflect"

	"earnings-sync-sol/internal/logic/core"
	"earnings-sync-sol/internal/types"

	"github.com/near/borsh-go"
)

// decodeFunc 解析 discriminator 之后的 borsh 数据，返回事件结构体与所属钱包
type decodeFunc func(data []byte) (any, types.Pubkey, error)

type eventDecoder struct {
	eventType core.EventType
	decode    decodeFunc
}

// decoders 是 discriminator（大端 uint64）→ 事件解码器的路由表
var decoders = map[uint64]eventDecoder{}

func init() {
	register(func(e *PlayerCreated) types.Pubkey { return e.Wallet })
	register(func(e *BusinessCreated) types.Pubkey { return e.Wallet })
	register(func(e *BusinessUpgraded) types.Pubkey { return e.Wallet })
	register(func(e *BusinessSold) types.Pubkey { return e.Wallet })
	register(func(e *EarningsUpdated) types.Pubkey { return e.Wallet })
	register(func(e *EarningsClaimed) types.Pubkey { return e.Wallet })
}

// register 结构体名即链上事件名，经 ParseEventType 归一化为事件类型
func register[T any](wallet func(*T) types.Pubkey) {
	name := reflect.TypeFor[T]().Name()
	eventType := core.ParseEventType(name)
	if eventType == core.EventUnknown {
		panic(fmt.Sprintf("eventparser: no event type for struct %s", name))
	}
	decoders[Discriminator(eventType)] = eventDecoder{eventType: eventType, decode: decodeAs(wallet)}
}

func decodeAs[T any](wallet func(*T) types.Pubkey) decodeFunc {
	return func(data []byte) (any, types.Pubkey, error) {
		var event T
		if err := borsh.Deserialize(&event, data); err != nil {
			return nil, types.Pubkey{}, fmt.Errorf("borsh decode %T: %w", event, err)
		}
		return &event, wallet(&event), nil
	}
}

// Discriminator Anchor 事件标识：sha256("event:<Name>") 前 8 字节，按大端读为 uint64
func Discriminator(eventType core.EventType) uint64 {
	sum := sha256.Sum256([]byte("event:" + eventType.CamelName()))
	return binary.BigEndian.Uint64(sum[:8])
}

// EncodeLogLine 把事件编码为 "Program data: <base64>" 日志行，与链上程序输出格式一致
func EncodeLogLine(eventType core.EventType, payload any) (string, error) {
	body, err := borsh.Serialize(payload)
	if err != nil {
		return "", err
	}
	data := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint64(data, Discriminator(eventType))
	data = append(data, body...)
	return logPrefixData + base64.StdEncoding.EncodeToString(data), nil
}
