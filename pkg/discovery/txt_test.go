package discovery

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/backkem/bthost/pkg/hci"
)

func TestEndpointTXT_Encode(t *testing.T) {
	tests := []struct {
		name string
		txt  EndpointTXT
		want []string
	}{
		{
			name: "minimal",
			txt:  EndpointTXT{Addr: testAddr},
			want: []string{"addr=00:1B:DC:07:32:EF", "v=1"},
		},
		{
			name: "full",
			txt:  EndpointTXT{Addr: testAddr, Name: "Living Room", ACLBufferSize: 1021, Version: 2},
			want: []string{"addr=00:1B:DC:07:32:EF", "v=2", "name=Living Room", "acl=1021"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.txt.Encode(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Encode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEndpointTXT_Validate(t *testing.T) {
	tests := []struct {
		name string
		txt  EndpointTXT
		want error
	}{
		{"valid", EndpointTXT{Addr: testAddr, Name: "x"}, nil},
		{"zero address", EndpointTXT{Name: "x"}, ErrInvalidAddress},
		{"long name", EndpointTXT{Addr: testAddr, Name: strings.Repeat("n", MaxNameLength+1)}, ErrInvalidName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.txt.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseTXT(t *testing.T) {
	got := ParseTXT([]string{"a=1", "flag", "b=x=y", "=skipped"})
	want := map[string]string{"a": "1", "flag": "", "b": "x=y"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseTXT() = %v, want %v", got, want)
	}
}

func TestParseEndpointTXT(t *testing.T) {
	in := EndpointTXT{Addr: hci.MustParseAddr("11:22:33:44:55:66"), Name: "Phone", ACLBufferSize: 339}
	got, err := ParseEndpointTXT(in.Encode())
	if err != nil {
		t.Fatalf("ParseEndpointTXT() error = %v", err)
	}
	in.Version = LinkVersion
	if *got != in {
		t.Errorf("ParseEndpointTXT() = %+v, want %+v", *got, in)
	}
}

func TestParseEndpointTXTErrors(t *testing.T) {
	tests := []struct {
		name    string
		records []string
	}{
		{"missing addr", []string{"name=x"}},
		{"bad addr", []string{"addr=11:22"}},
		{"bad acl", []string{"addr=11:22:33:44:55:66", "acl=big"}},
		{"zero acl", []string{"addr=11:22:33:44:55:66", "acl=0"}},
		{"bad version", []string{"addr=11:22:33:44:55:66", "v=-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseEndpointTXT(tt.records); !errors.Is(err, ErrInvalidTXTRecord) {
				t.Errorf("ParseEndpointTXT() error = %v, want ErrInvalidTXTRecord", err)
			}
		})
	}
}
