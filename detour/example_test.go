package detour_test

import (
	"fmt"

	"github.com/pboyd/hookctx/detour"
	"github.com/pboyd/hookctx/host"
)

func ExampleEngine_Hook() {
	greet := func(name string) string { return "hello " + name }
	table := host.NewMethodTable()
	table.Define("Greeter.Greet", &greet)

	e := detour.NewEngine(table)
	d, _ := e.Hook("Greeter.Greet", func(orig func(string) string, name string) string {
		return orig(name) + "!"
	}, detour.Ownerless())

	fmt.Println(greet("world"))
	d.Undo()
	fmt.Println(greet("world"))
	// Output:
	// hello world!
	// hello world
}

func ExampleTrampoline() {
	double := func(x int) int { return x * 2 }
	table := host.NewMethodTable()
	table.Define("double", &double)

	e := detour.NewEngine(table)
	d, _ := e.Install("double", func(x int) int { return x + 1 }, detour.Ownerless())
	defer d.Undo()

	orig, _ := detour.Trampoline[func(int) int](d)
	fmt.Println(double(10), orig(10))
	// Output: 11 20
}
