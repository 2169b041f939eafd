package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Deal is the CRM sales opportunity. It is remote state read through the
// CRM boundary and never persisted locally as source of truth.
type Deal struct {
	ID                int64           `json:"id"`
	Value             decimal.Decimal `json:"value"`
	Currency          string          `json:"currency"`
	StageID           string          `json:"stage_id"`
	ExpectedCloseDate time.Time       `json:"expected_close_date"`
}

// PaymentPhase tells which installment a gateway payment covers.
type PaymentPhase string

const (
	PhaseDeposit PaymentPhase = "deposit"
	PhaseRest    PaymentPhase = "rest"
	PhaseSingle  PaymentPhase = "single"
)

// GatewayStatus is the processing status of a gateway payment.
type GatewayStatus string

const (
	GatewayUnpaid      GatewayStatus = "unpaid"
	GatewayPaid        GatewayStatus = "paid"
	GatewayRefunded    GatewayStatus = "refunded"
	GatewayPlaceholder GatewayStatus = "placeholder"
)

// GatewayPayment is a payment captured through the online checkout flow.
// ReportAmount and ExchangeRate are filled once at processing time; a stored
// amount is never recomputed on later runs.
type GatewayPayment struct {
	ID           int64           `json:"id"`
	SessionID    string          `json:"session_id"`
	DealID       int64           `json:"deal_id"`
	ProductRef   string          `json:"product_ref"`
	Phase        PaymentPhase    `json:"phase"`
	Currency     string          `json:"currency"`
	Amount       decimal.Decimal `json:"amount"`
	ReportAmount decimal.Decimal `json:"report_amount"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
	RateSource   string          `json:"rate_source,omitempty"`
	Status       GatewayStatus   `json:"status"`
	ScheduleTag  ScheduleType    `json:"schedule_tag"`
	CapturedAt   time.Time       `json:"captured_at"`
}

// ReviewStatus is the manual review decision on an imported bank line.
type ReviewStatus string

const (
	ReviewUnset    ReviewStatus = ""
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// LedgerPayment is one line imported from a bank statement.
type LedgerPayment struct {
	ID             int64           `json:"id"`
	OperationDate  time.Time       `json:"operation_date"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	PayerName      string          `json:"payer_name"`
	Direction      string          `json:"direction"` // "in" | "out"
	DocumentID     int64           `json:"document_id,omitempty"`
	DocumentNumber string          `json:"document_number,omitempty"`
	ReviewStatus   ReviewStatus    `json:"review_status,omitempty"`
}

// CashPayment is a manually recorded cash receipt against a document.
type CashPayment struct {
	ID             int64           `json:"id"`
	DocumentID     int64           `json:"document_id"`
	ExpectedAmount decimal.Decimal `json:"expected_amount"`
	ReceivedAmount decimal.Decimal `json:"received_amount"`
	Confirmed      bool            `json:"confirmed"`
	ConfirmedAt    *time.Time      `json:"confirmed_at,omitempty"`
}

// RefundRecord reverses part or all of a gateway payment. Amount is negative.
type RefundRecord struct {
	ID        int64           `json:"id"`
	PaymentID int64           `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	LoggedAt  time.Time       `json:"logged_at"`
}

// DocumentStatus is the lifecycle state of a commercial document.
type DocumentStatus string

const (
	DocumentDraft   DocumentStatus = "draft"
	DocumentIssued  DocumentStatus = "issued"
	DocumentDeleted DocumentStatus = "deleted"
)

// CommercialDocument is a proforma or invoice. The Paid* fields are derived
// from live payment rows; they are refreshed after every payment mutation.
type CommercialDocument struct {
	ID              int64           `json:"id"`
	Number          string          `json:"number"`
	Currency        string          `json:"currency"`
	FaceAmount      decimal.Decimal `json:"face_amount"`
	PaidTotal       decimal.Decimal `json:"paid_total"`
	PaidTotalReport decimal.Decimal `json:"paid_total_report_ccy"`
	PaidCount       int             `json:"paid_count"`
	Status          DocumentStatus  `json:"status"`
}

// Confirmation is an externally verified record corroborating a gateway
// payment, keyed by the checkout session id.
type Confirmation struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Verified   bool      `json:"verified"`
	VerifiedAt time.Time `json:"verified_at"`
}

// ScheduleType says whether a deal is paid in one installment or two.
type ScheduleType string

const (
	ScheduleUnknown        ScheduleType = "unknown"
	ScheduleSingle         ScheduleType = "single"
	ScheduleTwoInstallment ScheduleType = "two-installment"
)

// PaymentSource identifies which ingestion path a normalized payment came from.
type PaymentSource string

const (
	SourceGateway PaymentSource = "gateway"
	SourceLedger  PaymentSource = "ledger"
	SourceCash    PaymentSource = "cash"
)

// NormalizedPayment is the single shape the aggregator works on, produced by
// per-source adapters from the three payment variants.
type NormalizedPayment struct {
	Source       PaymentSource   `json:"source"`
	SourceID     int64           `json:"source_id"`
	Currency     string          `json:"currency"`
	Amount       decimal.Decimal `json:"amount"`
	ReportAmount decimal.Decimal `json:"report_amount"`
	RateStrategy string          `json:"rate_strategy"`
	Converted    bool            `json:"converted"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// Severity grades a detected issue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Issue is a report artifact describing one detected anomaly. It is
// generated on demand and never persisted as authoritative state.
type Issue struct {
	Severity Severity       `json:"severity"`
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// GatewayEvent is the webhook payload delivered by the payment gateway.
// Upserts are keyed on SessionID.
type GatewayEvent struct {
	SessionID        string `json:"session_id"`
	DealID           int64  `json:"deal_id"`
	ProductRef       string `json:"product_ref"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Currency         string `json:"currency"`
	PaymentStatus    string `json:"payment_status"`
	CreatedAtEpoch   int64  `json:"created_at_epoch_seconds"`
}

// Amount converts the minor-unit amount to a decimal major-unit amount.
func (e GatewayEvent) Amount() decimal.Decimal {
	return decimal.New(e.AmountMinorUnits, -2)
}

// CreatedAt converts the epoch seconds to a UTC timestamp.
func (e GatewayEvent) CreatedAt() time.Time {
	return time.Unix(e.CreatedAtEpoch, 0).UTC()
}
