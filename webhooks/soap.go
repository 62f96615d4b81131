package webhooks

import "encoding/xml"

const (
	soapEnvelopeNamespace = "http://schemas.xmlsoap.org/soap/envelope/"
	outboundNamespace     = "http://soap.sforce.com/2005/09/outbound"
)

type soapAckEnvelope struct {
	XMLName xml.Name    `xml:"soapenv:Envelope"`
	SoapEnv string      `xml:"xmlns:soapenv,attr"`
	Body    soapAckBody `xml:"soapenv:Body"`
}

type soapAckBody struct {
	Response notificationsResponse `xml:"notificationsResponse"`
}

type notificationsResponse struct {
	Namespace string `xml:"xmlns,attr"`
	Ack       bool   `xml:"Ack"`
}

// SOAPAck renders the notificationsResponse envelope outbound-message senders
// wait for. It attests receipt only.
func SOAPAck(ack bool) []byte {
	envelope := soapAckEnvelope{
		SoapEnv: soapEnvelopeNamespace,
		Body: soapAckBody{
			Response: notificationsResponse{Namespace: outboundNamespace, Ack: ack},
		},
	}
	encoded, err := xml.Marshal(envelope)
	if err != nil {
		value := "false"
		if ack {
			value = "true"
		}
		encoded = []byte(`<soapenv:Envelope xmlns:soapenv="` + soapEnvelopeNamespace + `"><soapenv:Body>` +
			`<notificationsResponse xmlns="` + outboundNamespace + `"><Ack>` + value + `</Ack>` +
			`</notificationsResponse></soapenv:Body></soapenv:Envelope>`)
	}
	return append([]byte(xml.Header), encoded...)
}
