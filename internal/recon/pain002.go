package recon

import (
	"encoding/xml"
	"fmt"
	"io"
)

// Parsing structs for the bank's pain.002 payment status report. Only the
// fields reconciliation matches on are mapped.

type pain002Document struct {
	XMLName       xml.Name         `xml:"Document"`
	CstmrPmtStsRpt pain002StsRpt   `xml:"CstmrPmtStsRpt"`
}

type pain002StsRpt struct {
	GrpHdr       pain002GrpHdr        `xml:"GrpHdr"`
	OrgnlPmtInf  []pain002OrgnlPmtInf `xml:"OrgnlPmtInfAndSts"`
}

type pain002GrpHdr struct {
	MsgID   string `xml:"MsgId"`
	CreDtTm string `xml:"CreDtTm"`
}

type pain002OrgnlPmtInf struct {
	OrgnlPmtInfID string         `xml:"OrgnlPmtInfId"`
	TxInfAndSts   []pain002TxInf `xml:"TxInfAndSts"`
}

type pain002TxInf struct {
	OrgnlEndToEndID string           `xml:"OrgnlEndToEndId"`
	TxSts           string           `xml:"TxSts"`
	StsRsnInf       pain002StsRsnInf `xml:"StsRsnInf"`
	OrgnlTxRef      pain002TxRef     `xml:"OrgnlTxRef"`
}

type pain002StsRsnInf struct {
	Rsn pain002Rsn `xml:"Rsn"`
}

type pain002Rsn struct {
	Cd string `xml:"Cd"`
}

type pain002TxRef struct {
	Amt          pain002Amt         `xml:"Amt"`
	ReqdColltnDt string             `xml:"ReqdColltnDt"`
	MndtRltdInf  pain002MndtRltdInf `xml:"MndtRltdInf"`
}

type pain002Amt struct {
	InstdAmt pain002InstdAmt `xml:"InstdAmt"`
}

type pain002InstdAmt struct {
	Value string `xml:",chardata"`
	Ccy   string `xml:"Ccy,attr"`
}

type pain002MndtRltdInf struct {
	MndtID string `xml:"MndtId"`
}

// Status codes the bank uses in TxSts.
const (
	txStatusSettled  = "ACSC" // settlement completed
	txStatusAccepted = "ACCP" // accepted, settlement pending
	txStatusRejected = "RJCT"
)

func parsePain002(r io.Reader) (*pain002Document, error) {
	var doc pain002Document

	dec := xml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse pain.002 document: %w", err)
	}

	return &doc, nil
}
