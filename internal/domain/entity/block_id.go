// Package entity 定义领域实体
package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// BlockID 区块标识
//
// 两个互不相交的命名空间：
//   - 持久 ID：存储层签发的正整数，JSON 中编码为数字
//   - 临时 ID：客户端生成的 UUID，JSON 中编码为字符串
//
// 零值表示"无 ID"。BlockID 可比较，可直接作为 map 键。
type BlockID struct {
	durable   int64
	ephemeral uuid.UUID
}

// NewEphemeralID 生成新的临时 ID
func NewEphemeralID() BlockID {
	return BlockID{ephemeral: uuid.New()}
}

// EphemeralID 由已有 UUID 构造临时 ID
func EphemeralID(u uuid.UUID) BlockID {
	return BlockID{ephemeral: u}
}

// DurableID 由存储层 ID 构造持久 ID，非正数返回零值
func DurableID(id int64) BlockID {
	if id <= 0 {
		return BlockID{}
	}
	return BlockID{durable: id}
}

// ParseBlockID 解析字符串形式的 ID：纯数字为持久 ID，UUID 为临时 ID
func ParseBlockID(s string) (BlockID, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return BlockID{}, fmt.Errorf("durable block id must be positive: %d", n)
		}
		return DurableID(n), nil
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return BlockID{}, fmt.Errorf("invalid block id %q", s)
	}
	return EphemeralID(u), nil
}

// IsDurable 是否为持久 ID
func (id BlockID) IsDurable() bool { return id.durable > 0 }

// IsEphemeral 是否为临时 ID
func (id BlockID) IsEphemeral() bool { return id.durable == 0 && id.ephemeral != uuid.Nil }

// IsZero 是否为空 ID
func (id BlockID) IsZero() bool { return id.durable == 0 && id.ephemeral == uuid.Nil }

// Int64 返回持久 ID 的数值；临时 ID 返回 0
func (id BlockID) Int64() int64 { return id.durable }

// String 返回可读形式，仅用于日志与路径参数
func (id BlockID) String() string {
	switch {
	case id.IsDurable():
		return strconv.FormatInt(id.durable, 10)
	case id.IsEphemeral():
		return id.ephemeral.String()
	default:
		return ""
	}
}

// MarshalJSON 持久 ID 编码为数字，临时 ID 编码为字符串
func (id BlockID) MarshalJSON() ([]byte, error) {
	switch {
	case id.IsDurable():
		return []byte(strconv.FormatInt(id.durable, 10)), nil
	case id.IsEphemeral():
		return json.Marshal(id.ephemeral.String())
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON 按 JSON 类型区分命名空间
func (id *BlockID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = BlockID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		u, err := uuid.Parse(s)
		if err != nil {
			return fmt.Errorf("ephemeral block id must be a uuid: %w", err)
		}
		*id = EphemeralID(u)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("durable block id must be an integer: %w", err)
	}
	if n <= 0 {
		return fmt.Errorf("durable block id must be positive: %d", n)
	}
	*id = DurableID(n)
	return nil
}
