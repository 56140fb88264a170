package utils

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// EncodeEvent 将 protobuf 消息编码为带类型前缀的二进制数据：
// - 前 4 字节为消息类型（uint32，小端序）
// - 后续为 protobuf 序列化数据（Deterministic，便于下游去重）
func EncodeEvent(eventType uint32, msg proto.Message) ([]byte, error) {
	const extraBuffer = 32 // 多预留一些空间，降低 MarshalAppend 触发扩容的概率

	buf := make([]byte, 4, 4+proto.Size(msg)+extraBuffer)
	binary.LittleEndian.PutUint32(buf[:4], eventType)

	opts := proto.MarshalOptions{Deterministic: true}
	result, err := opts.MarshalAppend(buf, msg)
	if err != nil {
		return nil, fmt.Errorf("EncodeEvent: marshal %T: %w", msg, err)
	}
	return result, nil
}

// DecodeEventType 读取 EncodeEvent 写入的类型前缀，返回类型与 protobuf 数据
func DecodeEventType(data []byte) (uint32, []byte, error) {
	if len(data) < 4 {
		return 0, nil, fmt.Errorf("DecodeEventType: short buffer (%d bytes)", len(data))
	}
	return binary.LittleEndian.Uint32(data[:4]), data[4:], nil
}
