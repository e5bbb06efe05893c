// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package soap implements the CWMP (TR-069) SOAP envelope codec used between
// the ACS and managed CPEs. Only the message shapes the session state machine
// depends on are modelled: Inform and its acknowledgement, and the
// GetParameterValues / SetParameterValues request and response pairs.
package soap

import (
	"encoding/xml"
	"fmt"
)

const (
	nsEnvelope = "http://schemas.xmlsoap.org/soap/envelope/"
	nsCWMP     = "urn:dslforum-org:cwmp-1-0"
	nsXSI      = "http://www.w3.org/2001/XMLSchema-instance"
)

// Well-known management parameters carried in Inform and pushed by the ACS.
const (
	ParamConnReqURL      = "Device.ManagementServer.ConnectionRequestURL"
	ParamConnReqUsername = "Device.ManagementServer.ConnectionRequestUsername"
	ParamConnReqPassword = "Device.ManagementServer.ConnectionRequestPassword"
)

// Envelope is one CWMP SOAP message. The header carries the correlation id
// linking a request to its response; the body holds exactly one message.
type Envelope struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Header  Header   `xml:"http://schemas.xmlsoap.org/soap/envelope/ Header"`
	Body    Body     `xml:"http://schemas.xmlsoap.org/soap/envelope/ Body"`
}

// Header holds the cwmp:ID correlation header.
type Header struct {
	ID IDHeader `xml:"urn:dslforum-org:cwmp-1-0 ID"`
}

// IDHeader is the correlation id element with its soap mustUnderstand marker.
type IDHeader struct {
	MustUnderstand string `xml:"mustUnderstand,attr,omitempty"`
	Text           string `xml:",chardata"`
}

// Body holds at most one CWMP message.
type Body struct {
	Inform                     *Inform                     `xml:"urn:dslforum-org:cwmp-1-0 Inform"`
	InformResponse             *InformResponse             `xml:"urn:dslforum-org:cwmp-1-0 InformResponse"`
	GetParameterValues         *GetParameterValues         `xml:"urn:dslforum-org:cwmp-1-0 GetParameterValues"`
	GetParameterValuesResponse *GetParameterValuesResponse `xml:"urn:dslforum-org:cwmp-1-0 GetParameterValuesResponse"`
	SetParameterValues         *SetParameterValues         `xml:"urn:dslforum-org:cwmp-1-0 SetParameterValues"`
	SetParameterValuesResponse *SetParameterValuesResponse `xml:"urn:dslforum-org:cwmp-1-0 SetParameterValuesResponse"`
}

// DeviceID is the identity block every Inform opens with.
type DeviceID struct {
	Manufacturer string `xml:"Manufacturer"`
	OUI          string `xml:"OUI"`
	ProductClass string `xml:"ProductClass"`
	SerialNumber string `xml:"SerialNumber"`
}

// EventStruct is a single CWMP event code (e.g. "0 BOOTSTRAP", "2 PERIODIC").
type EventStruct struct {
	EventCode  string `xml:"EventCode"`
	CommandKey string `xml:"CommandKey"`
}

// EventList wraps the event structs reported by an Inform.
type EventList struct {
	Events []EventStruct `xml:"EventStruct"`
}

// ParameterValue is one name/value pair in a parameter list.
type ParameterValue struct {
	Name  string     `xml:"Name"`
	Value TypedValue `xml:"Value"`
}

// TypedValue carries a parameter value with its xsd type annotation.
type TypedValue struct {
	Type string `xml:"http://www.w3.org/2001/XMLSchema-instance type,attr,omitempty"`
	Text string `xml:",chardata"`
}

// ParameterList is an ordered list of parameter name/value pairs.
type ParameterList struct {
	Parameters []ParameterValue `xml:"ParameterValueStruct"`
}

// Value returns the value of the named parameter, if present.
func (l *ParameterList) Value(name string) (string, bool) {
	for _, p := range l.Parameters {
		if p.Name == name {
			return p.Value.Text, true
		}
	}
	return "", false
}

// Add appends a name/value pair to the list.
func (l *ParameterList) Add(name, xsdType, value string) {
	l.Parameters = append(l.Parameters, ParameterValue{
		Name:  name,
		Value: TypedValue{Type: xsdType, Text: value},
	})
}

// Inform is the CPE-initiated message announcing identity and events.
type Inform struct {
	DeviceID      DeviceID      `xml:"DeviceId"`
	Event         EventList     `xml:"Event"`
	MaxEnvelopes  int           `xml:"MaxEnvelopes"`
	CurrentTime   string        `xml:"CurrentTime"`
	RetryCount    int           `xml:"RetryCount"`
	ParameterList ParameterList `xml:"ParameterList"`
}

// ConnectionRequestURL returns the connection-request URL reported by this
// Inform, if the CPE included one.
func (i *Inform) ConnectionRequestURL() (string, bool) {
	if v, ok := i.ParameterList.Value(ParamConnReqURL); ok {
		return v, true
	}
	// Legacy data model root used by TR-098 devices.
	return i.ParameterList.Value("InternetGatewayDevice.ManagementServer.ConnectionRequestURL")
}

// EventCodes returns the event codes reported by this Inform, in order.
func (i *Inform) EventCodes() []string {
	codes := make([]string, len(i.Event.Events))
	for n, ev := range i.Event.Events {
		codes[n] = ev.EventCode
	}
	return codes
}

// InformResponse acknowledges an Inform.
type InformResponse struct {
	MaxEnvelopes int `xml:"MaxEnvelopes"`
}

// ParameterNames wraps the name list of a GetParameterValues request.
type ParameterNames struct {
	Names []string `xml:"string"`
}

// GetParameterValues asks the CPE to report the named parameters.
type GetParameterValues struct {
	ParameterNames ParameterNames `xml:"ParameterNames"`
}

// GetParameterValuesResponse carries the values the CPE reported back.
type GetParameterValuesResponse struct {
	ParameterList ParameterList `xml:"ParameterList"`
}

// SetParameterValues pushes parameter values to the CPE.
type SetParameterValues struct {
	ParameterList ParameterList `xml:"ParameterList"`
	ParameterKey  string        `xml:"ParameterKey"`
}

// SetParameterValuesResponse reports the outcome of a SetParameterValues.
// Status 0 means applied, 1 means applied but pending a commit or reboot.
type SetParameterValuesResponse struct {
	Status int `xml:"Status"`
}

// NewEnvelope creates an empty envelope carrying the given correlation id.
func NewEnvelope(id string) *Envelope {
	return &Envelope{
		Header: Header{
			ID: IDHeader{MustUnderstand: "1", Text: id},
		},
	}
}

// Parse decodes a SOAP envelope from its XML wire form.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	return &env, nil
}

// Encode serializes the envelope to its XML wire form.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := xml.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return append([]byte(xml.Header), data...), nil
}

// ID returns the envelope's correlation id.
func (e *Envelope) ID() string {
	return e.Header.ID.Text
}

// SetID stamps the envelope with a correlation id.
func (e *Envelope) SetID(id string) {
	e.Header.ID.MustUnderstand = "1"
	e.Header.ID.Text = id
}

// Inform returns the envelope's Inform message, or nil.
func (e *Envelope) Inform() *Inform {
	return e.Body.Inform
}

// GPVResponse returns the envelope's GetParameterValuesResponse, or nil.
func (e *Envelope) GPVResponse() *GetParameterValuesResponse {
	return e.Body.GetParameterValuesResponse
}

// SPVResponse returns the envelope's SetParameterValuesResponse, or nil.
func (e *Envelope) SPVResponse() *SetParameterValuesResponse {
	return e.Body.SetParameterValuesResponse
}

// AddInformResponse makes the envelope an Inform acknowledgement.
func (e *Envelope) AddInformResponse() {
	e.Body.InformResponse = &InformResponse{MaxEnvelopes: 1}
}

// AddSetParameterValues makes the envelope a SetParameterValues request and
// returns it for the caller to fill in.
func (e *Envelope) AddSetParameterValues(parameterKey string) *SetParameterValues {
	e.Body.SetParameterValues = &SetParameterValues{ParameterKey: parameterKey}
	return e.Body.SetParameterValues
}

// AddGetParameterValues makes the envelope a GetParameterValues request for
// the named parameters.
func (e *Envelope) AddGetParameterValues(names ...string) *GetParameterValues {
	e.Body.GetParameterValues = &GetParameterValues{
		ParameterNames: ParameterNames{Names: names},
	}
	return e.Body.GetParameterValues
}
