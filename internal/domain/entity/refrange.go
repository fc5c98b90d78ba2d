// Package entity 定义领域实体
package entity

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Ref 规范化经文引用，形如 Luke.2.1（书卷.章.节）
type Ref struct {
	Book    string `json:"book"`
	Chapter int    `json:"chapter"`
	Verse   int    `json:"verse"`
}

var refPattern = regexp.MustCompile(`^([1-3]?[A-Za-z]+)\.(\d+)\.(\d+)$`)

// ParseRef 解析规范化引用字符串
func ParseRef(s string) (Ref, error) {
	m := refPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Ref{}, fmt.Errorf("malformed reference %q, expected Book.Chapter.Verse", s)
	}
	chapter, err := strconv.Atoi(m[2])
	if err != nil || chapter < 1 {
		return Ref{}, fmt.Errorf("malformed chapter in reference %q", s)
	}
	verse, err := strconv.Atoi(m[3])
	if err != nil || verse < 1 {
		return Ref{}, fmt.Errorf("malformed verse in reference %q", s)
	}
	return Ref{Book: m[1], Chapter: chapter, Verse: verse}, nil
}

// String 返回规范化字符串形式
func (r Ref) String() string {
	return fmt.Sprintf("%s.%d.%d", r.Book, r.Chapter, r.Verse)
}

// IsZero 检查引用是否为空
func (r Ref) IsZero() bool {
	return r.Book == "" && r.Chapter == 0 && r.Verse == 0
}

// Compare 比较同一书卷内的两个引用，返回 -1/0/1
// 跨书卷比较无意义，调用方需先保证书卷一致
func (r Ref) Compare(o Ref) int {
	if r.Chapter != o.Chapter {
		if r.Chapter < o.Chapter {
			return -1
		}
		return 1
	}
	if r.Verse != o.Verse {
		if r.Verse < o.Verse {
			return -1
		}
		return 1
	}
	return 0
}

// RefRange 闭区间引用范围，两端均包含
type RefRange struct {
	Start Ref `json:"start"`
	End   Ref `json:"end"`
}

// ParseRange 解析范围字符串，形如 Luke.2.1-Luke.2.7，单个引用视为退化范围
func ParseRange(s string) (RefRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RefRange{}, fmt.Errorf("empty reference range")
	}

	parts := strings.SplitN(s, "-", 2)
	start, err := ParseRef(parts[0])
	if err != nil {
		return RefRange{}, err
	}

	end := start
	if len(parts) == 2 {
		end, err = ParseRef(parts[1])
		if err != nil {
			return RefRange{}, err
		}
	}

	if start.Book != end.Book {
		return RefRange{}, fmt.Errorf("reference range %q spans multiple books", s)
	}
	if start.Compare(end) > 0 {
		return RefRange{}, fmt.Errorf("reference range %q is inverted", s)
	}

	return RefRange{Start: start, End: end}, nil
}

// String 返回规范化字符串形式
func (rr RefRange) String() string {
	if rr.Start == rr.End {
		return rr.Start.String()
	}
	return rr.Start.String() + "-" + rr.End.String()
}

// IsZero 检查范围是否为空
func (rr RefRange) IsZero() bool {
	return rr.Start.IsZero() && rr.End.IsZero()
}

// Contains 检查引用是否落在范围内（闭区间）
func (rr RefRange) Contains(r Ref) bool {
	if r.Book != rr.Start.Book {
		return false
	}
	return rr.Start.Compare(r) <= 0 && rr.End.Compare(r) >= 0
}

// Intersects 检查两个范围是否相交（闭区间，端点重合亦算相交）
func (rr RefRange) Intersects(o RefRange) bool {
	if rr.Start.Book != o.Start.Book {
		return false
	}
	return rr.Start.Compare(o.End) <= 0 && o.Start.Compare(rr.End) <= 0
}
