package sepa

import (
	"encoding/xml"
)

// Marshaling structs for pain.008.001.08 (Customer Direct Debit Initiation).
// Field order follows the schema; the bank rejects a malformed file
// wholesale, with no partial processing.

type pain008Document struct {
	XMLName          xml.Name             `xml:"Document"`
	Xmlns            string               `xml:"xmlns,attr"`
	CstmrDrctDbtInitn pain008Initiation   `xml:"CstmrDrctDbtInitn"`
}

type pain008Initiation struct {
	GrpHdr pain008GrpHdr    `xml:"GrpHdr"`
	PmtInf []pain008PmtInf  `xml:"PmtInf"`
}

type pain008GrpHdr struct {
	MsgID    string          `xml:"MsgId"`
	CreDtTm  string          `xml:"CreDtTm"`
	NbOfTxs  string          `xml:"NbOfTxs"`
	CtrlSum  string          `xml:"CtrlSum"`
	InitgPty pain008Party    `xml:"InitgPty"`
}

type pain008Party struct {
	Nm string `xml:"Nm"`
}

type pain008PmtInf struct {
	PmtInfID     string              `xml:"PmtInfId"`
	PmtMtd       string              `xml:"PmtMtd"`
	BtchBookg    string              `xml:"BtchBookg"`
	NbOfTxs      string              `xml:"NbOfTxs"`
	CtrlSum      string              `xml:"CtrlSum"`
	PmtTpInf     pain008PmtTpInf     `xml:"PmtTpInf"`
	ReqdColltnDt string              `xml:"ReqdColltnDt"`
	Cdtr         pain008Party        `xml:"Cdtr"`
	CdtrAcct     pain008Acct         `xml:"CdtrAcct"`
	CdtrAgt      pain008Agt          `xml:"CdtrAgt"`
	CdtrSchmeID  pain008CdtrSchmeID  `xml:"CdtrSchmeId"`
	DrctDbtTxInf []pain008TxInf      `xml:"DrctDbtTxInf"`
}

type pain008PmtTpInf struct {
	SvcLvl    pain008Cd `xml:"SvcLvl"`
	LclInstrm pain008Cd `xml:"LclInstrm"`
	SeqTp     string    `xml:"SeqTp"`
}

type pain008Cd struct {
	Cd string `xml:"Cd"`
}

type pain008Acct struct {
	ID pain008AcctID `xml:"Id"`
}

type pain008AcctID struct {
	IBAN string `xml:"IBAN"`
}

type pain008Agt struct {
	FinInstnID pain008FinInstnID `xml:"FinInstnId"`
}

type pain008FinInstnID struct {
	BIC string `xml:"BIC"`
}

type pain008CdtrSchmeID struct {
	ID pain008SchmeIDWrap `xml:"Id"`
}

type pain008SchmeIDWrap struct {
	PrvtID pain008PrvtID `xml:"PrvtId"`
}

type pain008PrvtID struct {
	Othr pain008Othr `xml:"Othr"`
}

type pain008Othr struct {
	ID      string         `xml:"Id"`
	SchmeNm pain008SchmeNm `xml:"SchmeNm"`
}

type pain008SchmeNm struct {
	Prtry string `xml:"Prtry"`
}

type pain008TxInf struct {
	PmtID     pain008PmtID     `xml:"PmtId"`
	InstdAmt  pain008Amt       `xml:"InstdAmt"`
	DrctDbtTx pain008DrctDbtTx `xml:"DrctDbtTx"`
	DbtrAgt   pain008Agt       `xml:"DbtrAgt"`
	Dbtr      pain008Party     `xml:"Dbtr"`
	DbtrAcct  pain008Acct      `xml:"DbtrAcct"`
	RmtInf    pain008RmtInf    `xml:"RmtInf"`
}

type pain008PmtID struct {
	EndToEndID string `xml:"EndToEndId"`
}

type pain008Amt struct {
	Value string `xml:",chardata"`
	Ccy   string `xml:"Ccy,attr"`
}

type pain008DrctDbtTx struct {
	MndtRltdInf pain008MndtRltdInf `xml:"MndtRltdInf"`
}

type pain008MndtRltdInf struct {
	MndtID    string `xml:"MndtId"`
	DtOfSgntr string `xml:"DtOfSgntr"`
}

type pain008RmtInf struct {
	Ustrd string `xml:"Ustrd"`
}
