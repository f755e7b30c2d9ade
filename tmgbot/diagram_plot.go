package tmgbot

import (
	"bytes"
	"context"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

const (
	plotMathPackage = "math/math"
	plotProgram     = `package plot

import "math"

var _ = math.Pi

func F(x float64) float64 {
	return float64(%s)
}
`
	// plotMaxValue is the largest |f(x)| drawn; larger values break the
	// curve
	plotMaxValue = 1e6

	// plotMaxLines caps grid lines and ticks per axis
	plotMaxLines = 200
)

type plotFunc func(float64) float64

// cleanPlotSource strips code fences and a leading "return" from a model
// provided expression.
func cleanPlotSource(source string) string {
	for _, fence := range []string{"```golang", "```go", "```"} {
		source = strings.ReplaceAll(source, fence, "")
	}
	source = strings.TrimSpace(source)
	source = strings.TrimPrefix(source, "return ")
	return strings.TrimSpace(source)
}

// checkPlotExpr walks the expression, allowing only arithmetic on x,
// numeric literals, float64 conversions and the math package. Integer
// literals are rewritten as floats, so 1/2 isn't integer division.
func checkPlotExpr(root ast.Expr) error {
	mathSymbols := stdlib.Symbols[plotMathPackage]
	var err error
	ast.Inspect(
		root, func(n ast.Node) bool {
			if err != nil || n == nil {
				return false
			}
			switch v := n.(type) {
			case *ast.BasicLit:
				switch v.Kind {
				case token.INT:
					if isDecimal(v.Value) {
						v.Kind = token.FLOAT
						v.Value += ".0"
					}
				case token.FLOAT:
				default:
					err = fmt.Errorf("%w: literal %s", ErrPlotFunction, v.Value)
				}
			case *ast.Ident:
				if v.Name != "x" && v.Name != "float64" {
					err = fmt.Errorf("%w: unknown name %q", ErrPlotFunction, v.Name)
				}
			case *ast.ParenExpr:
			case *ast.UnaryExpr:
				if v.Op != token.ADD && v.Op != token.SUB {
					err = fmt.Errorf("%w: operator %s", ErrPlotFunction, v.Op)
				}
			case *ast.BinaryExpr:
				switch v.Op {
				case token.ADD, token.SUB, token.MUL, token.QUO:
				default:
					err = fmt.Errorf("%w: operator %s", ErrPlotFunction, v.Op)
				}
			case *ast.CallExpr:
				if v.Ellipsis.IsValid() {
					err = fmt.Errorf("%w: variadic call", ErrPlotFunction)
				}
			case *ast.SelectorExpr:
				pkg, ok := v.X.(*ast.Ident)
				if !ok || pkg.Name != "math" {
					err = fmt.Errorf("%w: only the math package may be used", ErrPlotFunction)
					return false
				}
				if _, ok = mathSymbols[v.Sel.Name]; !ok {
					err = fmt.Errorf("%w: math.%s doesn't exist", ErrPlotFunction, v.Sel.Name)
				}
				return false
			default:
				err = fmt.Errorf("%w: %T not allowed", ErrPlotFunction, n)
			}
			return err == nil
		},
	)
	return err
}

func isDecimal(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}

// compilePlotFunction compiles an f(x) expression with an interpreter
// that can only reach the math package.
func compilePlotFunction(source string) (plotFunc, error) {
	fset := token.NewFileSet()
	expr, err := parser.ParseExprFrom(fset, "", cleanPlotSource(source), 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlotFunction, err)
	}
	if err = checkPlotExpr(expr); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err = format.Node(&buf, fset, expr); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlotFunction, err)
	}

	i := interp.New(interp.Options{})
	if err = i.Use(interp.Exports{plotMathPackage: stdlib.Symbols[plotMathPackage]}); err != nil {
		return nil, fmt.Errorf("failed to load math: %w", err)
	}
	if _, err = i.Eval(fmt.Sprintf(plotProgram, buf.String())); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlotFunction, err)
	}
	v, err := i.Eval("plot.F")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlotFunction, err)
	}
	f, ok := v.Interface().(func(float64) float64)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected function type %T", ErrPlotFunction, v.Interface())
	}
	return f, nil
}

// safeCall returns NaN if f panics
func safeCall(f plotFunc, x float64) (y float64) {
	defer func() {
		if recover() != nil {
			y = math.NaN()
		}
	}()
	return f(x)
}

func plottable(y float64) bool {
	return !math.IsNaN(y) && !math.IsInf(y, 0) && math.Abs(y) <= plotMaxValue
}

// samplePlot evaluates f at samples evenly spaced points of each
// interval. The curve is split wherever f isn't plottable. Returns an
// error if evaluation takes longer than timeout.
func samplePlot(
	ctx context.Context,
	f plotFunc,
	intervals []DiagramInterval,
	samples int,
	timeout time.Duration,
) ([][][2]float64, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	samples = max(2, samples)

	done := make(chan [][][2]float64, 1)
	go func() {
		var segments [][][2]float64
		for _, interval := range intervals {
			if interval.End <= interval.Start {
				continue
			}
			var current [][2]float64
			flush := func() {
				if len(current) >= 2 {
					segments = append(segments, current)
				}
				current = nil
			}
			for k := 0; k < samples; k++ {
				if ctx.Err() != nil {
					break
				}
				x := interval.Start + (interval.End-interval.Start)*float64(k)/float64(samples-1)
				y := safeCall(f, x)
				if !plottable(y) {
					flush()
					continue
				}
				current = append(current, [2]float64{x, y})
			}
			flush()
		}
		done <- segments
	}()

	select {
	case segments := <-done:
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("plot evaluation timed out: %w", err)
		}
		return segments, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("plot evaluation timed out: %w", ctx.Err())
	}
}

// plotAxes maps plot coordinates to frame coordinates. The axes are
// centered at the origin.
type plotAxes struct {
	xMin, xMax, yMin, yMax float64
	xLength, yLength       float64
}

func (a plotAxes) c2p(x, y float64) vec3 {
	return vec3{
		((x-a.xMin)/(a.xMax-a.xMin) - 0.5) * a.xLength,
		((y-a.yMin)/(a.yMax-a.yMin) - 0.5) * a.yLength,
		0,
	}
}

// origin is where the axes cross: at 0, clamped to the ranges
func (a plotAxes) origin() (float64, float64) {
	return math.Min(math.Max(0, a.xMin), a.xMax), math.Min(math.Max(0, a.yMin), a.yMax)
}

// steps returns min, min+step, ... up to max
func steps(lo, hi, step float64) []float64 {
	if step <= 0 || hi <= lo {
		return nil
	}
	var values []float64
	for k := 0; k < plotMaxLines; k++ {
		v := lo + float64(k)*step
		if v > hi+step*1e-9 {
			break
		}
		values = append(values, v)
	}
	return values
}

// functionPlot builds the grid, axes, labels and curve of a
// function_plot object.
func (sb *sceneBuilder) functionPlot(ctx context.Context, obj DiagramObject) (shape, error) {
	if obj.XMax <= obj.XMin || obj.YMax <= obj.YMin || obj.XLength <= 0 || obj.YLength <= 0 {
		return nil, fmt.Errorf("%w: invalid plot ranges", ErrDiagramInvalid)
	}
	axes := plotAxes{
		xMin: obj.XMin, xMax: obj.XMax,
		yMin: obj.YMin, yMax: obj.YMax,
		xLength: obj.XLength, yLength: obj.YLength,
	}
	x0, y0 := axes.origin()
	var children []shape

	if obj.Grid {
		gridPaint := paint{stroke: colorGrey, strokeWidth: 1}
		var lines [][]vec3
		for _, x := range steps(obj.XMin, obj.XMax, obj.XStep) {
			lines = append(lines, []vec3{axes.c2p(x, obj.YMin), axes.c2p(x, obj.YMax)})
		}
		for _, y := range steps(obj.YMin, obj.YMax, obj.YStep) {
			lines = append(lines, []vec3{axes.c2p(obj.XMin, y), axes.c2p(obj.XMax, y)})
		}
		if len(lines) > 0 {
			children = append(children, &pathShape{subpaths: lines, dashed: true, paint: gridPaint})
		}
	}

	if obj.Axes {
		axisPaint := paint{stroke: colorWhite, strokeWidth: 2}
		xEnd, yEnd := axes.c2p(obj.XMax, y0), axes.c2p(x0, obj.YMax)
		children = append(
			children,
			arrowShape(axes.c2p(obj.XMin, y0), xEnd, axisPaint),
			arrowShape(axes.c2p(x0, obj.YMin), yEnd, axisPaint),
		)

		var ticks [][]vec3
		for _, x := range steps(obj.XMin, obj.XMax, obj.XStep) {
			if x == x0 {
				continue
			}
			p := axes.c2p(x, y0)
			ticks = append(ticks, []vec3{p.add(vec3{0, -axisTickSize, 0}), p.add(vec3{0, axisTickSize, 0})})
		}
		for _, y := range steps(obj.YMin, obj.YMax, obj.YStep) {
			if y == y0 {
				continue
			}
			p := axes.c2p(x0, y)
			ticks = append(ticks, []vec3{p.add(vec3{-axisTickSize, 0, 0}), p.add(vec3{axisTickSize, 0, 0})})
		}
		if len(ticks) > 0 {
			children = append(children, &pathShape{subpaths: ticks, paint: axisPaint})
		}

		if label := sb.latexQuad(ctx, obj.XAxisLabel, obj.XAxisLabelIsEquation); label != nil {
			placeUpRight(label, xEnd)
			children = append(children, label)
		}
		if label := sb.latexQuad(ctx, obj.YAxisLabel, obj.YAxisLabelIsEquation); label != nil {
			placeUpRight(label, yEnd)
			children = append(children, label)
		}
	}

	if strings.TrimSpace(obj.Function) != "" && len(obj.Intervals) > 0 {
		f, err := compilePlotFunction(obj.Function)
		if err != nil {
			return nil, err
		}
		segments, err := samplePlot(ctx, f, obj.Intervals, sb.plotSamples, sb.plotTimeout)
		if err != nil {
			return nil, err
		}
		curve := &pathShape{paint: strokePaint(obj)}
		for _, seg := range segments {
			points := make([]vec3, len(seg))
			for i, p := range seg {
				points[i] = axes.c2p(p[0], p[1])
			}
			curve.subpaths = append(curve.subpaths, points)
		}
		if len(curve.subpaths) > 0 {
			children = append(children, curve)
		}
	}

	if len(children) == 0 {
		return nil, nil
	}
	return &groupShape{op: groupPlain, children: children}, nil
}

// placeUpRight moves s so its lower left corner is up and to the right
// of point
func placeUpRight(s shape, point vec3) {
	b := s.bounds()
	if !b.ok {
		return
	}
	target := point.add(vec3{axisLabelBuff, axisLabelBuff, 0})
	s.transform(translation(vec3{target.X - b.min.X, target.Y - b.min.Y, 0}))
}
