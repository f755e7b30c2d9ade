package tmgbot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
)

const (
	diagramFrameHeight float64 = 8
	diagramFrameWidth          = diagramFrameHeight * 16 / 9

	diagramFilename         = "diagram.png"
	diagramRenderFailed     = "No se pudo generar el diagrama."
	diagramsDisabledMessage = "Los diagramas están desactivados por ahora."

	// maxDiagramDepth limits nesting of groups
	maxDiagramDepth = 8
)

// Object types understood by the diagram renderer
const (
	diagramCircle        = "circle"
	diagramRectangle     = "rectangle"
	diagramSquare        = "square"
	diagramEquation      = "equation"
	diagramText          = "text"
	diagramLine          = "line"
	diagramArrow         = "arrow"
	diagramCode          = "code"
	diagramFunctionPlot  = "function_plot"
	diagramArrangedGroup = "arranged_group"
	diagramUnion         = "union"
	diagramDifference    = "difference"
	diagramIntersection  = "intersection"
	diagramPolygon       = "polygon"
	diagramEllipse       = "ellipse"
	diagramSphere        = "sphere"
)

// Transformation types
const (
	transformTranslation = "translation"
	transformRotation    = "rotation"
	transformScale       = "scale"
)

// DiagramTransform is a translation, rotation (degrees, about the x, y or
// z axis) or scale. Rotations and scales are about the object's center.
type DiagramTransform struct {
	Type  string  `json:"type"`
	TX    float64 `json:"tx,omitempty"`
	TY    float64 `json:"ty,omitempty"`
	TZ    float64 `json:"tz,omitempty"`
	Angle float64 `json:"angle,omitempty"`
	Axis  string  `json:"axis,omitempty"`
	SX    float64 `json:"sx,omitempty"`
	SY    float64 `json:"sy,omitempty"`
	SZ    float64 `json:"sz,omitempty"`
}

type DiagramPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type DiagramInterval struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// DiagramObject is any object of a diagram. Type determines which of the
// fields are meaningful.
type DiagramObject struct {
	Type string `json:"type"`

	// circle, ellipse, sphere
	CX float64 `json:"cx,omitempty"`
	CY float64 `json:"cy,omitempty"`
	CZ float64 `json:"cz,omitempty"`
	R  float64 `json:"r,omitempty"`
	RX float64 `json:"rx,omitempty"`
	RY float64 `json:"ry,omitempty"`

	// rectangle, square
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
	Side   float64 `json:"side,omitempty"`

	// line, arrow
	X1 float64 `json:"x1,omitempty"`
	Y1 float64 `json:"y1,omitempty"`
	X2 float64 `json:"x2,omitempty"`
	Y2 float64 `json:"y2,omitempty"`

	Latex    string         `json:"latex,omitempty"`
	Text     string         `json:"text,omitempty"`
	Code     string         `json:"code,omitempty"`
	Language string         `json:"language,omitempty"`
	Points   []DiagramPoint `json:"points,omitempty"`

	// function_plot
	Function             string            `json:"function,omitempty"`
	Intervals            []DiagramInterval `json:"intervals,omitempty"`
	XMin                 float64           `json:"x_min,omitempty"`
	XMax                 float64           `json:"x_max,omitempty"`
	XStep                float64           `json:"x_step,omitempty"`
	YMin                 float64           `json:"y_min,omitempty"`
	YMax                 float64           `json:"y_max,omitempty"`
	YStep                float64           `json:"y_step,omitempty"`
	XLength              float64           `json:"x_length,omitempty"`
	YLength              float64           `json:"y_length,omitempty"`
	Axes                 bool              `json:"axes,omitempty"`
	Grid                 bool              `json:"grid,omitempty"`
	XAxisLabel           string            `json:"x_axis_label,omitempty"`
	XAxisLabelIsEquation bool              `json:"x_axis_label_is_equation,omitempty"`
	YAxisLabel           string            `json:"y_axis_label,omitempty"`
	YAxisLabelIsEquation bool              `json:"y_axis_label_is_equation,omitempty"`

	// arranged_group
	Direction string  `json:"direction,omitempty"`
	Buff      float64 `json:"buff,omitempty"`

	// arranged_group, union, difference, intersection
	Objects []DiagramObject `json:"objects,omitempty"`

	FillR       int `json:"fill_r,omitempty"`
	FillG       int `json:"fill_g,omitempty"`
	FillB       int `json:"fill_b,omitempty"`
	FillA       int `json:"fill_a,omitempty"`
	StrokeR     int `json:"stroke_r,omitempty"`
	StrokeG     int `json:"stroke_g,omitempty"`
	StrokeB     int `json:"stroke_b,omitempty"`
	StrokeA     int `json:"stroke_a,omitempty"`
	StrokeWidth int `json:"stroke_width,omitempty"`

	Transformations []DiagramTransform `json:"transformations,omitempty"`
}

// DiagramOutput is the structured response of the diagram model.
type DiagramOutput struct {
	Explanation string          `json:"explanation"`
	IsValid     bool            `json:"is_valid"`
	Objects     []DiagramObject `json:"objects"`
}

// validate checks object types and nesting, so rendering only fails on
// things that can't be known up front.
func (d DiagramOutput) validate() error {
	var check func(objects []DiagramObject, depth int) error
	check = func(objects []DiagramObject, depth int) error {
		if depth > maxDiagramDepth {
			return fmt.Errorf("%w: nesting deeper than %d", ErrDiagramInvalid, maxDiagramDepth)
		}
		for _, obj := range objects {
			if _, ok := diagramObjectTypes[obj.Type]; !ok {
				return fmt.Errorf("%w: unknown object type %q", ErrDiagramInvalid, obj.Type)
			}
			for _, t := range obj.Transformations {
				switch t.Type {
				case transformTranslation, transformScale:
				case transformRotation:
					if t.Axis != "x" && t.Axis != "y" && t.Axis != "z" {
						return fmt.Errorf("%w: unknown rotation axis %q", ErrDiagramInvalid, t.Axis)
					}
				default:
					return fmt.Errorf("%w: unknown transformation %q", ErrDiagramInvalid, t.Type)
				}
			}
			if err := check(obj.Objects, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return check(d.Objects, 0)
}

var diagramObjectTypes = map[string]struct{}{
	diagramCircle:        {},
	diagramRectangle:     {},
	diagramSquare:        {},
	diagramEquation:      {},
	diagramText:          {},
	diagramLine:          {},
	diagramArrow:         {},
	diagramCode:          {},
	diagramFunctionPlot:  {},
	diagramArrangedGroup: {},
	diagramUnion:         {},
	diagramDifference:    {},
	diagramIntersection:  {},
	diagramPolygon:       {},
	diagramEllipse:       {},
	diagramSphere:        {},
}

// diagram asks the diagram model for a diagram, given the diagram
// history.
func (o *OpenAI) diagram(ctx context.Context, messages []openai.ChatCompletionMessage) (DiagramOutput, error) {
	var result DiagramOutput
	req := openai.ChatCompletionRequest{
		Model:          o.config.DiagramModel,
		Messages:       messages,
		ResponseFormat: diagramResponseFormat(),
	}
	err := o.structuredCompletion(ctx, openaiPurposeDiagram, req, &result)
	return result, err
}

// DiagramResult is a generated diagram. PNG is nil when the request was
// invalid or rendering failed, in which case Explanation says why.
type DiagramResult struct {
	Explanation string
	PNG         []byte
}

// DiagramGenerator turns requests into rendered diagrams. It keeps its
// own history with the diagram model, separate from the main transcript.
type DiagramGenerator struct {
	openai     *OpenAI
	latex      LatexRenderer
	latexDPI   int
	rasterizer Rasterizer
	config     *DiagramConfig
	logger     *slog.Logger
	history    *Transcript

	// mu serializes generation, so the history stays in request order
	mu sync.Mutex
}

func newDiagramGenerator(
	o *OpenAI,
	latex LatexRenderer,
	latexDPI int,
	rasterizer Rasterizer,
	config *DiagramConfig,
	maxTurns int,
	handler slog.Handler,
) *DiagramGenerator {
	return &DiagramGenerator{
		openai:     o,
		latex:      latex,
		latexDPI:   latexDPI,
		rasterizer: rasterizer,
		config:     config,
		logger:     slog.New(handler).With(loggerNameKey, "diagram"),
		history: NewTranscript(
			[]Turn{{Kind: TurnKindSystem, Text: diagramPrompt()}},
			maxTurns,
		),
	}
}

// Generate asks the model for a diagram and renders it. Model errors are
// returned; render errors are logged and reported through the result.
func (g *DiagramGenerator) Generate(ctx context.Context, request string) (DiagramResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	logger := loggerFrom(ctx, g.logger)
	if _, err := g.history.AppendSpecial(TurnKindDiagramRequest, request, nil); err != nil {
		return DiagramResult{}, err
	}
	output, err := g.openai.diagram(ctx, g.history.Messages())
	if err != nil {
		return DiagramResult{}, fmt.Errorf("error generating diagram: %w", err)
	}
	if _, err = g.history.AppendAssistant(output); err != nil {
		logger.ErrorContext(ctx, "error recording diagram output", tint.Err(err))
	}

	result := DiagramResult{Explanation: strings.TrimSpace(output.Explanation)}
	if !output.IsValid {
		logger.InfoContext(ctx, "diagram request was invalid", "explanation", output.Explanation)
		return result, nil
	}

	png, err := g.render(ctx, output)
	if err != nil {
		logger.ErrorContext(ctx, "error rendering diagram", tint.Err(err))
		result.Explanation = diagramRenderFailed
		return result, nil
	}
	result.PNG = png
	return result, nil
}

func (g *DiagramGenerator) render(ctx context.Context, output DiagramOutput) ([]byte, error) {
	if g.config.RenderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.RenderTimeout)
		defer cancel()
	}
	if err := output.validate(); err != nil {
		return nil, err
	}
	builder := &sceneBuilder{
		latex:       g.latex,
		latexDPI:    g.latexDPI,
		plotTimeout: g.config.PlotTimeout,
		plotSamples: g.config.PlotSamples,
		logger:      loggerFrom(ctx, g.logger),
	}
	scene, err := builder.build(ctx, output.Objects)
	if err != nil {
		return nil, err
	}
	svg := renderSVG(scene, g.config.Width, g.config.Height)
	return g.rasterizer.Rasterize(ctx, svg, g.config.Width, g.config.Height)
}

// diagramOptionMessage is the request text of a /diagrama interaction
func diagramOptionMessage(i *discordgo.InteractionCreate) (string, error) {
	opt, ok := discordInteractionOptions(i)[commandOptionMessage]
	if !ok {
		return "", errors.New("missing message option")
	}
	message := strings.TrimSpace(opt.StringValue())
	if message == "" {
		return "", errors.New("empty diagram request")
	}
	return message, nil
}

// commandDiagram handles /diagrama. The response is deferred, and the
// generation runs on the job queue.
func (b *Bot) commandDiagram(ctx context.Context, i *discordgo.InteractionCreate) error {
	logger := loggerFrom(ctx, b.logger)
	session := b.discord.session

	if !b.RuntimeConfig().DiagramsEnabled || b.diagrams == nil {
		return session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: diagramsDisabledMessage,
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			},
			discordgo.WithContext(ctx),
		)
	}

	message, err := diagramOptionMessage(i)
	if err != nil {
		return err
	}
	if err = b.discord.ackResponse(ctx, i); err != nil {
		return err
	}

	user := getDiscordUser(i)
	job := newJob(
		JobKindDiagram,
		user.ID,
		func(ctx context.Context) error {
			return b.runDiagram(ctx, i, message)
		},
	)
	job.Priority = b.isOwner(user.ID)
	job.Discard = func(ctx context.Context, reason error) {
		logger.WarnContext(ctx, "diagram job discarded", tint.Err(reason))
		b.editResponse(ctx, i, b.config.Discord.ErrorMessage)
	}
	if err = b.queue.Push(ctx, job); err != nil {
		b.editResponse(ctx, i, b.config.Discord.ErrorMessage)
		return fmt.Errorf("error queueing diagram: %w", err)
	}
	return nil
}

// runDiagram generates the diagram and posts it as the interaction
// response. Both the request and the output are added to the transcript.
func (b *Bot) runDiagram(ctx context.Context, i *discordgo.InteractionCreate, message string) error {
	logger := loggerFrom(ctx, b.logger)
	if _, err := b.transcript.AppendSpecial(TurnKindDiagramRequest, message, nil); err != nil {
		return err
	}

	result, err := b.diagrams.Generate(ctx, message)
	if err != nil {
		b.editResponse(ctx, i, b.config.Discord.ErrorMessage)
		return err
	}

	explanation := shortenString(result.Explanation, discordMaxMessageLength)
	if explanation == "" {
		explanation = emptyAnswerFallback
	}
	edit := &discordgo.WebhookEdit{Content: &explanation}
	if result.PNG != nil {
		edit.Files = []*discordgo.File{
			{
				Name:        diagramFilename,
				ContentType: "image/png",
				Reader:      bytes.NewReader(result.PNG),
			},
		}
	}
	msg, err := b.discord.session.InteractionResponseEdit(i.Interaction, edit, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("error sending diagram: %w", err)
	}

	var urls []string
	if msg != nil {
		for _, att := range msg.Attachments {
			urls = append(urls, att.URL)
		}
	}
	if _, err = b.transcript.AppendSpecial(TurnKindDiagram, result.Explanation, urls); err != nil {
		logger.ErrorContext(ctx, "error recording diagram", tint.Err(err))
	}
	return nil
}

// diagramResponseFormat is the structured output format of the diagram
// model. The schema is recursive, so it's written by hand instead of
// generated from the Go types.
func diagramResponseFormat() *openai.ChatCompletionResponseFormat {
	return &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
		JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
			Name:   "diagram",
			Schema: diagramSchema,
			Strict: true,
		},
	}
}

var diagramSchema = mustMarshalSchema(buildDiagramSchema())

func mustMarshalSchema(schema map[string]any) json.RawMessage {
	data, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("invalid diagram schema: %v", err))
	}
	return data
}

type schemaProp struct {
	name   string
	schema map[string]any
}

func strictObject(props ...schemaProp) map[string]any {
	properties := make(map[string]any, len(props))
	required := make([]string, 0, len(props))
	for _, p := range props {
		properties[p.name] = p.schema
		required = append(required, p.name)
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

func numberProp(name, description string) schemaProp {
	return schemaProp{name, map[string]any{"type": "number", "description": description}}
}

func integerProp(name, description string) schemaProp {
	return schemaProp{name, map[string]any{"type": "integer", "description": description}}
}

func stringProp(name, description string) schemaProp {
	return schemaProp{name, map[string]any{"type": "string", "description": description}}
}

func boolProp(name, description string) schemaProp {
	return schemaProp{name, map[string]any{"type": "boolean", "description": description}}
}

func enumProp(name, description string, values ...string) schemaProp {
	s := map[string]any{"type": "string", "enum": values}
	if description != "" {
		s["description"] = description
	}
	return schemaProp{name, s}
}

func arrayProp(name, description string, items map[string]any) schemaProp {
	return schemaProp{name, map[string]any{"type": "array", "description": description, "items": items}}
}

func ref(def string) map[string]any {
	return map[string]any{"$ref": "#/$defs/" + def}
}

func fillProps() []schemaProp {
	return []schemaProp{
		integerProp("fill_r", "Valor de rojo del relleno, de 0 a 255."),
		integerProp("fill_g", "Valor de verde del relleno, de 0 a 255."),
		integerProp("fill_b", "Valor de azul del relleno, de 0 a 255."),
		integerProp("fill_a", "Opacidad del relleno, de 0 a 255."),
	}
}

func strokeProps() []schemaProp {
	return []schemaProp{
		integerProp("stroke_r", "Valor de rojo del trazo, de 0 a 255."),
		integerProp("stroke_g", "Valor de verde del trazo, de 0 a 255."),
		integerProp("stroke_b", "Valor de azul del trazo, de 0 a 255."),
		integerProp("stroke_a", "Opacidad del trazo, de 0 a 255."),
		integerProp("stroke_width", "Ancho del trazo, de 0 a 10."),
	}
}

// diagramVariant is the schema of one object type. Every variant has a
// type and a list of transformations.
func diagramVariant(kind string, props ...[]schemaProp) map[string]any {
	all := []schemaProp{enumProp("type", "", kind)}
	for _, p := range props {
		all = append(all, p...)
	}
	all = append(
		all,
		arrayProp(
			"transformations",
			"Transformaciones a aplicar al objeto, de izquierda a derecha. Vacío si no hay.",
			ref("transform"),
		),
	)
	return strictObject(all...)
}

func props(p ...schemaProp) []schemaProp {
	return p
}

func buildDiagramSchema() map[string]any {
	objects := func(description string) schemaProp {
		return arrayProp("objects", description, ref("object"))
	}
	center := props(
		numberProp("cx", "Coordenada X del centro."),
		numberProp("cy", "Coordenada Y del centro."),
	)
	endpoints := props(
		numberProp("x1", "Coordenada X del primer punto."),
		numberProp("y1", "Coordenada Y del primer punto."),
		numberProp("x2", "Coordenada X del segundo punto."),
		numberProp("y2", "Coordenada Y del segundo punto."),
	)

	variants := []any{
		diagramVariant(diagramCircle, center, props(numberProp("cz", "Coordenada Z del centro."), numberProp("r", "Radio.")), fillProps(), strokeProps()),
		diagramVariant(
			diagramRectangle,
			props(
				numberProp("x", "Coordenada X del centro del rectángulo."),
				numberProp("y", "Coordenada Y del centro del rectángulo."),
				numberProp("width", "Ancho del rectángulo."),
				numberProp("height", "Altura del rectángulo."),
			),
			fillProps(),
			strokeProps(),
		),
		diagramVariant(
			diagramSquare,
			props(
				numberProp("x", "Coordenada X del centro del cuadrado."),
				numberProp("y", "Coordenada Y del centro del cuadrado."),
				numberProp("side", "Longitud del lado del cuadrado."),
			),
			fillProps(),
			strokeProps(),
		),
		diagramVariant(diagramEquation, props(stringProp("latex", "Fórmula en LaTeX, modo matemático, sin dólares."))),
		diagramVariant(diagramText, props(stringProp("text", "Texto en modo texto de LaTeX. Las fórmulas y números van entre dólares."))),
		diagramVariant(diagramLine, endpoints, strokeProps()),
		diagramVariant(diagramArrow, endpoints, strokeProps()),
		diagramVariant(
			diagramCode,
			props(
				stringProp("code", "Código a mostrar, en texto plano."),
				stringProp("language", "Lenguaje de programación del código."),
			),
		),
		diagramVariant(
			diagramFunctionPlot,
			props(
				stringProp("function", "Expresión en sintaxis de Go con la variable x (float64). Puede usar el paquete math."),
				arrayProp(
					"intervals",
					"Intervalos donde se grafica la función. Excluye los puntos donde no está definida o crece demasiado.",
					strictObject(numberProp("start", "Inicio del intervalo."), numberProp("end", "Fin del intervalo.")),
				),
				numberProp("x_min", "Mínimo valor de X de los ejes."),
				numberProp("x_max", "Máximo valor de X de los ejes."),
				numberProp("x_step", "Separación entre marcas del eje X."),
				numberProp("y_min", "Mínimo valor de Y de los ejes."),
				numberProp("y_max", "Máximo valor de Y de los ejes."),
				numberProp("y_step", "Separación entre marcas del eje Y."),
				numberProp("x_length", "Largo del eje X en el marco."),
				numberProp("y_length", "Largo del eje Y en el marco."),
				boolProp("axes", "Si se muestran los ejes."),
				boolProp("grid", "Si se muestra la rejilla."),
				stringProp("x_axis_label", "Etiqueta del eje X en LaTeX. Vacía si no hay."),
				boolProp("x_axis_label_is_equation", "Si la etiqueta del eje X es una fórmula (modo matemático)."),
				stringProp("y_axis_label", "Etiqueta del eje Y en LaTeX. Vacía si no hay."),
				boolProp("y_axis_label_is_equation", "Si la etiqueta del eje Y es una fórmula (modo matemático)."),
			),
			strokeProps(),
		),
		diagramVariant(
			diagramArrangedGroup,
			props(
				enumProp("direction", "Dirección en la que se alinean los objetos.", "RIGHT", "LEFT", "UP", "DOWN", "OUT", "IN"),
				numberProp("buff", "Espacio entre los objetos."),
				objects("Objetos del grupo."),
			),
		),
		diagramVariant(diagramUnion, props(objects("Objetos a unir.")), fillProps(), strokeProps()),
		diagramVariant(diagramDifference, props(objects("Objetos a restar. Al primero se le restan los demás.")), fillProps(), strokeProps()),
		diagramVariant(diagramIntersection, props(objects("Objetos a intersectar.")), fillProps(), strokeProps()),
		diagramVariant(
			diagramPolygon,
			props(
				arrayProp(
					"points",
					"Vértices del polígono.",
					strictObject(
						numberProp("x", "Coordenada X."),
						numberProp("y", "Coordenada Y."),
						numberProp("z", "Coordenada Z."),
					),
				),
			),
			fillProps(),
			strokeProps(),
		),
		diagramVariant(diagramEllipse, center, props(numberProp("rx", "Semieje horizontal."), numberProp("ry", "Semieje vertical.")), fillProps(), strokeProps()),
		diagramVariant(diagramSphere, center, props(numberProp("cz", "Coordenada Z del centro."), numberProp("r", "Radio.")), fillProps()),
	}

	transforms := []any{
		strictObject(
			enumProp("type", "", transformTranslation),
			numberProp("tx", "Traslación en X."),
			numberProp("ty", "Traslación en Y."),
			numberProp("tz", "Traslación en Z."),
		),
		strictObject(
			enumProp("type", "", transformRotation),
			numberProp("angle", "Ángulo de rotación en grados."),
			enumProp("axis", "Eje de rotación.", "x", "y", "z"),
		),
		strictObject(
			enumProp("type", "", transformScale),
			numberProp("sx", "Escala en X."),
			numberProp("sy", "Escala en Y."),
			numberProp("sz", "Escala en Z."),
		),
	}

	schema := strictObject(
		stringProp("explanation", "Explicación del diagrama generado, o por qué la petición no es válida."),
		boolProp("is_valid", "Si la petición de diagrama es válida."),
		objects("Objetos que conforman el diagrama."),
	)
	schema["$defs"] = map[string]any{
		"object":    map[string]any{"anyOf": variants},
		"transform": map[string]any{"anyOf": transforms},
	}
	return schema
}
