package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tripwire/memprobe"
	"github.com/tripwire/memprobe/core"
	"github.com/tripwire/memprobe/internal/offsets"
)

// attachDemoSession builds a fresh demo world and attaches a Session to it,
// the moral equivalent of pointing the library at a real running process by
// name.
func attachDemoSession() (*memprobe.Session, error) {
	world := buildDemoWorld()
	sess := memprobe.NewSession(world.mem)
	if err := sess.Init(demoProcessName, offsets.Default()); err != nil {
		return nil, fmt.Errorf("attaching to %q: %w", demoProcessName, err)
	}
	return sess, nil
}

// parseAddr accepts both bare decimal and 0x-prefixed hex, matching the
// addresses this command's own output prints.
func parseAddr(s string) (core.Address, error) {
	s = strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("not an address: %q", s)
	}
	return core.Address(v), nil
}

func newAddressesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "addresses",
		Short: "Print the demo world's known object addresses",
		Long: "Prints the runtime addresses buildDemoWorld wired in, for pasting\n" +
			"into 'instance', 'field', and 'static' without having to re-derive\n" +
			"them from the fixture layout by hand.",
		Run: func(cmd *cobra.Command, args []string) {
			world := buildDemoWorld()
			fmt.Printf("GameManager instance:  %s\n", world.gameManagerAddr)
			fmt.Printf("GameManager class:     %s\n", world.gameManagerClass)
			fmt.Printf("PlayerState instance:  %s\n", world.playerStateAddr)
		},
	}
}

func newAssembliesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assemblies",
		Short: "List the assemblies loaded in the demo world",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := attachDemoSession()
			if err != nil {
				return err
			}
			defer sess.Close()
			names, err := sess.GetAssemblies()
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
}

func newClassesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classes <assembly>",
		Short: "List the classes defined in an assembly",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := attachDemoSession()
			if err != nil {
				return err
			}
			defer sess.Close()
			classes, err := sess.GetAssemblyClasses(args[0])
			if err != nil {
				return err
			}
			for _, c := range classes {
				fmt.Printf("%s.%s\n", c.Namespace, c.Name)
			}
			return nil
		},
	}
}

func newClassCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "class <assembly> <class>",
		Short: "Print the fields declared by one class",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := attachDemoSession()
			if err != nil {
				return err
			}
			defer sess.Close()
			details, err := sess.GetClassDetails(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%s.%s\n", details.Namespace, details.Name)
			for _, f := range details.Fields {
				kind := "instance"
				if f.IsStatic {
					kind = "static"
				}
				fmt.Printf("  %-8s %-30s %s (offset 0x%x)\n", kind, f.Name, f.TypeName, f.Offset)
			}
			return nil
		},
	}
}

func newInstanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "instance <address>",
		Short: "Print a one-level-deep summary of the object at address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddr(args[0])
			if err != nil {
				return err
			}
			sess, err := attachDemoSession()
			if err != nil {
				return err
			}
			defer sess.Close()
			obj, err := sess.GetInstance(addr)
			if err != nil {
				return err
			}
			printObject(obj)
			return nil
		},
	}
}

func newFieldCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "field <address> <name>",
		Short: "Decode one named instance field",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddr(args[0])
			if err != nil {
				return err
			}
			sess, err := attachDemoSession()
			if err != nil {
				return err
			}
			defer sess.Close()
			val, err := sess.GetInstanceField(addr, args[1])
			if err != nil {
				return err
			}
			fmt.Println(formatValue(val))
			return nil
		},
	}
}

func newStaticCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "static <classAddress> <name>",
		Short: "Decode one named static field",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddr(args[0])
			if err != nil {
				return err
			}
			sess, err := attachDemoSession()
			if err != nil {
				return err
			}
			defer sess.Close()
			val, err := sess.GetStaticField(addr, args[1])
			if err != nil {
				return err
			}
			fmt.Println(formatValue(val))
			return nil
		},
	}
}

func newDictCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dict <address>",
		Short: "Decode a Dictionary instance's entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddr(args[0])
			if err != nil {
				return err
			}
			sess, err := attachDemoSession()
			if err != nil {
				return err
			}
			defer sess.Close()
			dict, err := sess.GetDictionary(addr)
			if err != nil {
				return err
			}
			for _, e := range dict.Entries {
				fmt.Printf("%s: %s\n", formatValue(e.Key), formatValue(e.Value))
			}
			return nil
		},
	}
}

func newPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path <rootClass> [field...]",
		Short: "Resolve a symbolic path starting at a root class",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess := memprobe.NewSession(buildDemoWorld().mem)
			val, err := sess.ReadData(demoProcessName, args, offsets.Default())
			defer sess.Close()
			if err != nil {
				return err
			}
			fmt.Println(formatValue(val))
			return nil
		},
	}
}

// printObject renders one level of an object summary, field by field.
func printObject(o *memprobe.InstanceData) {
	fmt.Printf("%s.%s @ %s\n", o.Namespace, o.ClassName, o.Address)
	for _, f := range o.Fields {
		kind := "instance"
		if f.IsStatic {
			kind = "static"
		}
		fmt.Printf("  %-8s %-12s = %s\n", kind, f.Name, formatValue(f.Value))
	}
}

// formatValue renders a TypedValue the way a REPL or CLI caller wants to
// see it: primitives inline, pointers by class name and address, objects
// and dictionaries recursively but one level shallow (matching spec.md
// §4.6's "terminal decode" rule, which already stops recursion upstream).
func formatValue(v memprobe.TypedValue) string {
	switch v.Kind {
	case memprobe.KindNull:
		return "null"
	case memprobe.KindBool:
		return strconv.FormatBool(v.Bool)
	case memprobe.KindInt32:
		return strconv.FormatInt(int64(v.I32), 10)
	case memprobe.KindInt64:
		return strconv.FormatInt(v.I64, 10)
	case memprobe.KindUint32:
		return strconv.FormatUint(uint64(v.U32), 10)
	case memprobe.KindUint64:
		return strconv.FormatUint(v.U64, 10)
	case memprobe.KindFloat:
		return strconv.FormatFloat(float64(v.F32), 'g', -1, 32)
	case memprobe.KindDouble:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	case memprobe.KindString:
		return strconv.Quote(v.Str)
	case memprobe.KindPointer:
		if v.PointerClassName != "" {
			return fmt.Sprintf("-> %s @ %s", v.PointerClassName, v.PointerAddr)
		}
		return fmt.Sprintf("-> %s", v.PointerAddr)
	case memprobe.KindArray:
		parts := make([]string, len(v.Array))
		for i, e := range v.Array {
			parts[i] = formatValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case memprobe.KindDictionary:
		parts := make([]string, len(v.Dict))
		for i, e := range v.Dict {
			parts[i] = formatValue(e.Key) + ": " + formatValue(e.Value)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case memprobe.KindObject:
		if v.Obj == nil {
			return "null"
		}
		return fmt.Sprintf("%s.%s @ %s", v.Obj.Namespace, v.Obj.ClassName, v.Obj.Address)
	default:
		return "<unknown>"
	}
}
