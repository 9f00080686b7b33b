package logger

import (
	"reflect"
	"testing"
)

func Test_filteredArg(t *testing.T) {
	type args struct {
		v []interface{}
	}
	tests := []struct {
		name string
		args args
		want []interface{}
	}{
		{"1", args{v: []interface{}{"123"}}, []interface{}{"123"}},
		{"2", args{v: []interface{}{"abcdef1234567890abcdef1234567890abcdef12"}}, []interface{}{"[abcdef..]"}},
		{"3", args{v: []interface{}{"abcdef1234567890abcdef1234567890abcdef12", "123"}}, []interface{}{"[abcdef..]", "123"}},
		{"not hex", args{v: []interface{}{"zzzzzz1234567890abcdef1234567890abcdef12"}}, []interface{}{"zzzzzz1234567890abcdef1234567890abcdef12"}},
		{"int", args{v: []interface{}{42}}, []interface{}{42}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := filteredArg(tt.args.v...); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("filteredArg() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDiscard(t *testing.T) {
	Discard.Infof("dropped %d", 1)
	Discard.Named("child").Errorf("dropped %s", "too")
}

func TestNamed(t *testing.T) {
	lg := New("resolver", false).Named("dht")
	if lg.prefix != "[resolver][dht] " {
		t.Errorf("prefix = %q", lg.prefix)
	}
}
