package lockstore

import (
	"encoding/json"
	"time"

	"odf/internal/service/odf/domain"
)

// lockRecord 是 Redis 和 ZooKeeper 中保存的锁数据
type lockRecord struct {
	Serial            string `json:"serial"`
	Kind              string `json:"kind"`
	OrderID           int64  `json:"order_id"`
	Owner             string `json:"owner"`
	LineID            int64  `json:"line_id,omitempty"`
	ArticleCode       string `json:"article_code,omitempty"`
	ParentArticleCode string `json:"parent_article_code,omitempty"`
	ExpiresAtMs       int64  `json:"expires_at"`
}

func toRecord(l domain.SerialLock) lockRecord {
	return lockRecord{
		Serial:            l.SerialNumber,
		Kind:              string(l.Kind),
		OrderID:           l.OrderID,
		Owner:             l.Owner,
		LineID:            l.LineID,
		ArticleCode:       l.ArticleCode,
		ParentArticleCode: l.ParentArticleCode,
		ExpiresAtMs:       l.ExpiresAt.UnixMilli(),
	}
}

func (r lockRecord) toDomain() domain.SerialLock {
	return domain.SerialLock{
		SerialNumber:      r.Serial,
		Kind:              domain.LockKind(r.Kind),
		OrderID:           r.OrderID,
		Owner:             r.Owner,
		LineID:            r.LineID,
		ArticleCode:       r.ArticleCode,
		ParentArticleCode: r.ParentArticleCode,
		ExpiresAt:         time.UnixMilli(r.ExpiresAtMs),
	}
}

func encodeRecord(l domain.SerialLock) ([]byte, error) {
	return json.Marshal(toRecord(l))
}

func decodeRecord(data []byte) (domain.SerialLock, error) {
	var r lockRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.SerialLock{}, err
	}
	return r.toDomain(), nil
}
