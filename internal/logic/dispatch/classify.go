package dispatch

import (
	"regexp"
	"strconv"
	"strings"

	"earnings-sync-sol/internal/consts"
)

var (
	reInstructionIndex = regexp.MustCompile(`Error processing Instruction (\d+)`)
	reInstructionError = regexp.MustCompile(`InstructionError\W+(\d+)`)
	reCustomErrorHex   = regexp.MustCompile(`custom program error: 0x([0-9a-fA-F]+)`)
	reCustomErrorJSON  = regexp.MustCompile(`"?Custom"?\W+(\d+)`)
	reAnchorErrorNum   = regexp.MustCompile(`Error Number: (\d+)`)
)

// programErrorCode 从交易错误信息中解析自定义程序错误码
func programErrorCode(msg string) (uint32, bool) {
	if m := reCustomErrorHex.FindStringSubmatch(msg); m != nil {
		if v, err := strconv.ParseUint(m[1], 16, 32); err == nil {
			return uint32(v), true
		}
	}
	for _, re := range []*regexp.Regexp{reAnchorErrorNum, reCustomErrorJSON} {
		if m := re.FindStringSubmatch(msg); m != nil {
			if v, err := strconv.ParseUint(m[1], 10, 32); err == nil {
				return uint32(v), true
			}
		}
	}
	return 0, false
}

// isNotDue 错误是否为“收益未到期”
func isNotDue(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if strings.Contains(msg, consts.ErrNameEarningsNotDue) {
		return true
	}
	code, ok := programErrorCode(msg)
	return ok && code == consts.ErrCodeEarningsNotDue
}

// failingInstruction 解析打包交易中出错的指令序号
func failingInstruction(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	msg := err.Error()
	for _, re := range []*regexp.Regexp{reInstructionIndex, reInstructionError} {
		if m := re.FindStringSubmatch(msg); m != nil {
			if v, err := strconv.Atoi(m[1]); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}
