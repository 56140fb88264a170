package eventparser

import (
	"encoding/base64"
	"encoding/binary"
	"runtime/debug"
	"strings"

	"earnings-sync-sol/internal/logic/core"
	"earnings-sync-sol/internal/pkg/logger"
	"earnings-sync-sol/internal/types"
)

const (
	logPrefixProgram = "Program "
	logPrefixData    = "Program data: "
	logSuffixInvoke  = " invoke ["
	logSuffixSuccess = " success"
	logSuffixFailed  = " failed"
)

// Parser 从交易日志中提取指定程序发出的事件
type Parser struct {
	programID string
}

func NewParser(programID types.Pubkey) *Parser {
	return &Parser{programID: programID.String()}
}

// ExtractEvents 按日志顺序返回事件；失败交易、未知事件与无法解码的数据都会被跳过
func (p *Parser) ExtractEvents(tx *core.AdaptedTx) (result []*core.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[eventparser::ExtractEvents] panic tx=%s: %+v\nstack: %s", tx.Signature, r, debug.Stack())
			result = nil
		}
	}()

	if tx == nil || tx.Failed {
		return nil
	}

	// 通过 invoke / success 日志维护调用栈，只认当前栈顶为本程序时输出的 Program data
	var stack []string
	for i, line := range tx.LogMessages {
		switch {
		case strings.HasPrefix(line, logPrefixData):
			if len(stack) == 0 || stack[len(stack)-1] != p.programID {
				continue
			}
			if ev := p.decodeLine(tx, i, len(result), strings.TrimPrefix(line, logPrefixData)); ev != nil {
				result = append(result, ev)
			}
		default:
			id, rest, ok := splitProgramLine(line)
			if !ok {
				continue
			}
			switch {
			case strings.HasPrefix(rest, logSuffixInvoke):
				stack = append(stack, id)
			case rest == logSuffixSuccess || strings.HasPrefix(rest, logSuffixFailed):
				if len(stack) > 0 {
					stack = stack[:len(stack)-1]
				}
			}
		}
	}
	return result
}

func (p *Parser) decodeLine(tx *core.AdaptedTx, logIndex, eventIndex int, encoded string) *core.Event {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil || len(data) < 8 {
		return nil
	}
	dec, ok := decoders[binary.BigEndian.Uint64(data[:8])]
	if !ok {
		return nil
	}
	payload, wallet, err := dec.decode(data[8:])
	if err != nil {
		logger.Warnf("[eventparser] 事件解码失败 tx=%s type=%s: %v", tx.Signature, dec.eventType, err)
		return nil
	}
	return &core.Event{
		ID:        core.BuildEventID(logIndex, eventIndex),
		Type:      dec.eventType,
		Signature: tx.Signature,
		Slot:      tx.Slot,
		BlockTime: tx.BlockTime,
		Wallet:    wallet,
		Payload:   payload,
	}
}

// splitProgramLine 拆分 "Program <id> <rest>"；"Program log:" 等带冒号的行返回 false
func splitProgramLine(line string) (id, rest string, ok bool) {
	if !strings.HasPrefix(line, logPrefixProgram) {
		return "", "", false
	}
	body := line[len(logPrefixProgram):]
	sp := strings.IndexByte(body, ' ')
	if sp <= 0 {
		return "", "", false
	}
	id = body[:sp]
	if strings.HasSuffix(id, ":") {
		return "", "", false
	}
	return id, body[sp:], true
}
