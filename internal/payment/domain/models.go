package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Method string

const (
	MethodCash    Method = "CASH"
	MethodMoMo    Method = "MOMO"
	MethodZaloPay Method = "ZALOPAY"
	MethodVNPay   Method = "VNPAY"
)

var methodCodes = map[Method]string{
	MethodMoMo:    "MM",
	MethodZaloPay: "ZP",
	MethodVNPay:   "VP",
	MethodCash:    "CS",
}

// ParseMethod accepts any casing of a supported method name.
func ParseMethod(raw string) (Method, error) {
	method := Method(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := methodCodes[method]; !ok {
		return "", ErrUnsupportedMethod
	}
	return method, nil
}

// Code is the two-letter suffix embedded in transaction ids.
func (m Method) Code() string {
	return methodCodes[m]
}

// MethodForCode maps a transaction id suffix back to its method.
func MethodForCode(code string) (Method, bool) {
	for method, c := range methodCodes {
		if c == code {
			return method, true
		}
	}
	return "", false
}

// Provider is the lower-case key used for gateway configuration and routing.
func (m Method) Provider() string {
	return strings.ToLower(string(m))
}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
)

// MaxTransactionIDLength bounds stored transaction ids, including foreign
// ones echoed back by gateways.
const MaxTransactionIDLength = 64

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

type Payment struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	EnrollmentID  snowflake.ID    `gorm:"not null;index" json:"enrollment_id"`
	Amount        decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"amount"`
	Method        Method          `gorm:"type:text;not null" json:"method"`
	Status        Status          `gorm:"type:text;not null" json:"status"`
	TransactionID string          `gorm:"type:varchar(64);not null;uniqueIndex" json:"transaction_id"`
	ProviderRef   string          `gorm:"type:text" json:"provider_ref,omitempty"`
	CreatedAt     time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"not null" json:"updated_at"`
	SettledAt     *time.Time      `json:"settled_at,omitempty"`
}

func (Payment) TableName() string { return "payments" }

// CallbackRecord is the audit trail of every inbound gateway notification,
// including forged and malformed ones.
type CallbackRecord struct {
	ID             snowflake.ID   `gorm:"primaryKey" json:"id"`
	Method         Method         `gorm:"type:text;not null" json:"method"`
	TransactionID  string         `gorm:"type:varchar(64);not null;index" json:"transaction_id"`
	SignatureValid bool           `gorm:"not null" json:"signature_valid"`
	Result         string         `gorm:"type:text;not null" json:"result"`
	Payload        datatypes.JSON `gorm:"not null" json:"payload"`
	ReceivedAt     time.Time      `gorm:"not null" json:"received_at"`
}

func (CallbackRecord) TableName() string { return "payment_callbacks" }
