package domain

import "time"

// BurnedProxy is the post-mortem row written when a proxy leaves rotation.
type BurnedProxy struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	ProxyID     string    `gorm:"size:160;not null;index"`
	Provider    string    `gorm:"size:64;not null;index"`
	Type        ProxyType `gorm:"size:20;not null"`
	Location    string    `gorm:"size:16"`
	Reason      string    `gorm:"size:64;not null"`
	Requests    int64     `gorm:"not null"`
	Failures    int64     `gorm:"not null"`
	FailureRate float64   `gorm:"not null"`
	HealthScore float64   `gorm:"not null"`
	BandwidthMB float64   `gorm:"not null"`
	LastError   string    `gorm:"type:text"`
	BurnedAt    time.Time `gorm:"not null;index"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

// CostSnapshot is one provider's spend for one UTC day.
type CostSnapshot struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Day       string    `gorm:"size:8;not null;uniqueIndex:idx_cost_day_provider,priority:1"`
	Provider  string    `gorm:"size:64;not null;uniqueIndex:idx_cost_day_provider,priority:2"`
	CostUSD   float64   `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// PoolSnapshot records the pool shape at shutdown.
type PoolSnapshot struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Active    int64     `gorm:"not null"`
	Burned    int64     `gorm:"not null"`
	Excellent int       `gorm:"not null"`
	Good      int       `gorm:"not null"`
	Fair      int       `gorm:"not null"`
	Poor      int       `gorm:"not null"`
	CostToday float64   `gorm:"not null"`
	TakenAt   time.Time `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}
