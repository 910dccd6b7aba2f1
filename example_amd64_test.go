//go:build amd64

package elevated_test

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pboyd/elevated"
)

func ExampleOriginal() {
	p, _ := elevated.Install(json.Marshal, func(v any) ([]byte, error) {
		// Pass strings through
		if _, ok := v.(string); ok {
			return elevated.Original(json.Marshal)(v)
		}

		return []byte(`{"nah": true}`), nil
	})
	defer p.Close()

	buf, _ := json.Marshal("A string")
	fmt.Println(string(buf))

	buf, _ = json.Marshal(123)
	fmt.Println(string(buf))
	// Output:
	// "A string"
	// {"nah": true}
}

// hostname stands in for os.Hostname, which is small enough to be inlined
// into its callers, where no entry patch can reach it.
//
//go:noinline
func hostname() (string, error) {
	return os.Hostname()
}

type hostRouter struct{}

func (*hostRouter) Route(call *elevated.CallEnvelope) (bool, []any) {
	if call.Method.Name == "hostname" {
		return true, []any{"build-01"}
	}
	return false, nil
}

func ExampleSubstituteStatic() {
	sub, err := elevated.SubstituteStatic(&hostRouter{}, hostname)
	if err != nil {
		fmt.Println(err)
		return
	}
	defer sub.Close()

	name, _ := hostname()
	fmt.Println(name)
	// Output: build-01
}

type mailer struct {
	sent int
}

//go:noinline
func (m *mailer) Send(to string) error {
	m.sent++
	return fmt.Errorf("no route to %s", to)
}

type okRouter struct{}

func (*okRouter) Route(call *elevated.CallEnvelope) (bool, []any) {
	return true, nil
}

func ExampleSubstituteFor() {
	m, sub, _ := elevated.SubstituteFor[mailer](&okRouter{}, (*mailer).Send)
	defer sub.Close()

	fmt.Println(m.Send("ops@example.com"), m.sent)
	fmt.Println((&mailer{}).Send("ops@example.com"))
	// Output:
	// <nil> 0
	// no route to ops@example.com
}
