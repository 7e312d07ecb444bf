package sepa

import (
	"fmt"
	"strings"
)

// Dutch bank codes to BIC. Mandates are normally stored with a BIC, but
// older records only carry the IBAN.
var nlBankBICs = map[string]string{
	"ABNA": "ABNANL2A",
	"INGB": "INGBNL2A",
	"RABO": "RABONL2U",
	"TRIO": "TRIONL2U",
	"SNSB": "SNSBNL2A",
	"ASNB": "ASNBNL21",
	"RBRB": "RBRBNL21",
	"KNAB": "KNABNL2H",
	"BUNQ": "BUNQNL2A",
	"FVLB": "FVLBNL22",
}

// DeriveBIC derives the BIC from a Dutch IBAN's embedded bank code. An
// unknown bank code is an error; guessing a default BIC would produce a
// file the bank rejects entry by entry.
func DeriveBIC(iban string) (string, error) {
	clean := strings.ToUpper(strings.ReplaceAll(iban, " ", ""))

	if len(clean) < 8 {
		return "", fmt.Errorf("IBAN %q is too short to carry a bank code", iban)
	}

	if !strings.HasPrefix(clean, "NL") {
		return "", fmt.Errorf("cannot derive BIC from non-Dutch IBAN %q", iban)
	}

	bankCode := clean[4:8]
	bic, ok := nlBankBICs[bankCode]
	if !ok {
		return "", fmt.Errorf("unknown bank code %q in IBAN %q", bankCode, iban)
	}

	return bic, nil
}
