package utils

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewOrderNumber returns ORD-yyyyMMdd-XXXXXXXX.
func NewOrderNumber(at time.Time) string {
	return "ORD-" + at.UTC().Format("20060102") + "-" + randomSuffix()
}

// NewPaymentID returns PAY<yyyyMMddHHmmss><suffix>.
func NewPaymentID(at time.Time) string {
	return "PAY" + at.UTC().Format("20060102150405") + randomSuffix()
}

func NewRefundID(at time.Time) string {
	return "REF" + at.UTC().Format("20060102150405") + randomSuffix()
}

func randomSuffix() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(id[:8])
}
