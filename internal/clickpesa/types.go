// Package clickpesa implements the ClickPesa third-party API client:
// token management, USSD-PUSH collections, mobile money payouts,
// status queries and account balance.
package clickpesa

// Payment statuses reported by the gateway.
const (
	PaymentProcessing = "PROCESSING"
	PaymentPending    = "PENDING"
	PaymentSuccess    = "SUCCESS"
	PaymentSettled    = "SETTLED"
	PaymentFailed     = "FAILED"
)

// Payout statuses reported by the gateway.
const (
	PayoutAuthorized = "AUTHORIZED"
	PayoutProcessing = "PROCESSING"
	PayoutPending    = "PENDING"
	PayoutSuccess    = "SUCCESS"
	PayoutFailed     = "FAILED"
	PayoutReversed   = "REVERSED"
	PayoutRefunded   = "REFUNDED"
)

// API endpoint paths.
const (
	endpointGenerateToken = "/third-parties/generate-token"
	endpointPreviewPush   = "/third-parties/payments/preview-ussd-push-request"
	endpointInitiatePush  = "/third-parties/payments/initiate-ussd-push-request"
	endpointQueryPayment  = "/third-parties/payments/"
	endpointPreviewPayout = "/third-parties/payouts/preview-mobile-money-payout"
	endpointCreatePayout  = "/third-parties/payouts/create-mobile-money-payout"
	endpointQueryPayout   = "/third-parties/payouts/"
	endpointBalance       = "/third-parties/account/balance"
)

// Decimal is a money amount from the gateway. The API is inconsistent
// about emitting amounts as JSON numbers or strings, so both are
// accepted and kept as the decimal string form.
type Decimal string

func (d *Decimal) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "null" {
		s = ""
	}
	*d = Decimal(s)
	return nil
}

func (d Decimal) String() string { return string(d) }

// PaymentRequest is a USSD-PUSH collection request.
type PaymentRequest struct {
	Amount         string
	Currency       string
	OrderReference string
	PhoneNumber    string
}

// PaymentMethod is one entry from a payment preview's active methods.
type PaymentMethod struct {
	Name   string  `json:"name"`
	Status string  `json:"status"`
	Fee    Decimal `json:"fee"`
}

// PaymentPreview is the gateway's answer to a preview request: which
// mobile money channels can collect this amount, and at what fee.
type PaymentPreview struct {
	ActiveMethods []PaymentMethod `json:"activeMethods"`
	Sender        *Customer       `json:"sender,omitempty"`
}

// Customer identifies the paying or receiving mobile money subscriber.
type Customer struct {
	Name        string `json:"name,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Payment is a collection transaction as reported by the gateway.
type Payment struct {
	ID                string    `json:"id"`
	Status            string    `json:"status"`
	Channel           string    `json:"channel"`
	OrderReference    string    `json:"orderReference"`
	PaymentReference  string    `json:"paymentReference,omitempty"`
	CollectedAmount   Decimal   `json:"collectedAmount"`
	CollectedCurrency string    `json:"collectedCurrency"`
	Message           string    `json:"message,omitempty"`
	Customer          *Customer `json:"customer,omitempty"`
	CreatedAt         string    `json:"createdAt"`
	UpdatedAt         string    `json:"updatedAt,omitempty"`
}

// PayoutRequest is a mobile money disbursement request.
type PayoutRequest struct {
	Amount         string
	PhoneNumber    string
	Currency       string
	OrderReference string
	Channel        string // optional provider hint, e.g. "TIGO-PESA"
}

// PayoutPreview is the gateway's answer to a payout preview: total
// deduction including fee, current float balance and the resolved
// channel provider.
type PayoutPreview struct {
	Amount          Decimal   `json:"amount"`
	Balance         Decimal   `json:"balance"`
	ChannelProvider string    `json:"channelProvider"`
	Fee             Decimal   `json:"fee"`
	Exchanged       bool      `json:"exchanged"`
	PayoutFeeBearer string    `json:"payoutFeeBearer,omitempty"`
	Receiver        *Customer `json:"receiver,omitempty"`
}

// Exchange is the currency conversion applied to a cross-currency
// payout.
type Exchange struct {
	SourceCurrency string  `json:"sourceCurrency"`
	TargetCurrency string  `json:"targetCurrency"`
	SourceAmount   Decimal `json:"sourceAmount"`
	Rate           Decimal `json:"rate"`
}

// PayoutBeneficiary is the receiving party as echoed by the gateway.
type PayoutBeneficiary struct {
	Amount        Decimal `json:"amount"`
	AccountNumber string  `json:"accountNumber,omitempty"`
	AccountName   string  `json:"accountName,omitempty"`
	MobileNumber  string  `json:"beneficiaryMobileNumber,omitempty"`
	Email         string  `json:"beneficiaryEmail,omitempty"`
}

// Payout is a disbursement transaction as reported by the gateway.
type Payout struct {
	ID              string             `json:"id"`
	OrderReference  string             `json:"orderReference"`
	Amount          Decimal            `json:"amount"`
	Currency        string             `json:"currency"`
	Fee             Decimal            `json:"fee,omitempty"`
	Status          string             `json:"status"`
	Channel         string             `json:"channel,omitempty"`
	ChannelProvider string             `json:"channelProvider,omitempty"`
	TransferType    string             `json:"transferType,omitempty"`
	Notes           string             `json:"notes,omitempty"`
	Exchanged       bool               `json:"exchanged,omitempty"`
	Exchange        *Exchange          `json:"exchange,omitempty"`
	Beneficiary     *PayoutBeneficiary `json:"beneficiary,omitempty"`
	CreatedAt       string             `json:"createdAt"`
	UpdatedAt       string             `json:"updatedAt,omitempty"`
}

// Balance is the merchant account float balance.
type Balance struct {
	Currency string  `json:"currency"`
	Balance  Decimal `json:"balance"`
}
