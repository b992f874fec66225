package events

// Kind names an event category on the wire.
type Kind string

const (
	KindPageView        Kind = "page_view"
	KindSectionView     Kind = "section_view"
	KindSectionExit     Kind = "section_exit"
	KindCTAClick        Kind = "cta_click"
	KindFormSubmission  Kind = "form_submission"
	KindFormAbandonment Kind = "form_abandonment"
	KindCalculatorStep  Kind = "calculator_step"
	KindScrollMilestone Kind = "scroll_milestone"
	KindConversion      Kind = "conversion"
	KindError           Kind = "error"
	KindExposure        Kind = "experiment_exposure"
	KindFunnelStep      Kind = "funnel_step"
	KindCustom          Kind = "custom"
)

// Payload is the category-specific customData of an event.
type Payload interface {
	Kind() Kind
}

type PageView struct {
	Path     string `json:"path"`
	Title    string `json:"title,omitempty"`
	Referrer string `json:"referrer,omitempty"`
}

type SectionView struct {
	Section string `json:"section"`
}

type SectionExit struct {
	Section   string `json:"section"`
	ElapsedMs int64  `json:"elapsedMs"`
}

type CTAClick struct {
	Action   string `json:"action"`
	Label    string `json:"label,omitempty"`
	Location string `json:"location,omitempty"`
}

type FormSubmission struct {
	FormType string            `json:"formType"`
	Success  bool              `json:"success"`
	Fields   map[string]string `json:"fields,omitempty"`
}

type FormAbandonment struct {
	FormType  string `json:"formType"`
	LastField string `json:"lastField,omitempty"`
	ElapsedMs int64  `json:"elapsedMs"`
	Reason    string `json:"reason,omitempty"`
}

type CalculatorStep struct {
	Calculator string            `json:"calculator"`
	Step       int               `json:"step"`
	StepName   string            `json:"stepName,omitempty"`
	Inputs     map[string]string `json:"inputs,omitempty"`
}

type ScrollMilestone struct {
	Percent int    `json:"percent"`
	Path    string `json:"path,omitempty"`
}

type Conversion struct {
	GoalID      string            `json:"goalId"`
	GoalName    string            `json:"goalName,omitempty"`
	Value       *float64          `json:"value,omitempty"`
	Path        []string          `json:"conversionPath,omitempty"`
	Experiments map[string]string `json:"experiments,omitempty"`
	Context     map[string]any    `json:"context,omitempty"`
}

type Error struct {
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
	Stack   string `json:"stack,omitempty"`
	Fatal   bool   `json:"fatal,omitempty"`
}

type Exposure struct {
	ExperimentID string `json:"experimentId"`
	VariantID    string `json:"variantId"`
}

type FunnelStep struct {
	Step  string `json:"step"`
	Index int    `json:"index"`
}

// Custom is the ad hoc extension point. Its Name becomes the event name.
type Custom struct {
	Name string
	Data map[string]any
}

func (PageView) Kind() Kind        { return KindPageView }
func (SectionView) Kind() Kind     { return KindSectionView }
func (SectionExit) Kind() Kind     { return KindSectionExit }
func (CTAClick) Kind() Kind        { return KindCTAClick }
func (FormSubmission) Kind() Kind  { return KindFormSubmission }
func (FormAbandonment) Kind() Kind { return KindFormAbandonment }
func (CalculatorStep) Kind() Kind  { return KindCalculatorStep }
func (ScrollMilestone) Kind() Kind { return KindScrollMilestone }
func (Conversion) Kind() Kind      { return KindConversion }
func (Error) Kind() Kind           { return KindError }
func (Exposure) Kind() Kind        { return KindExposure }
func (FunnelStep) Kind() Kind      { return KindFunnelStep }
func (Custom) Kind() Kind          { return KindCustom }

// NewFormSubmission builds a form payload with sensitive fields redacted.
func NewFormSubmission(formType string, success bool, fields map[string]string) FormSubmission {
	return FormSubmission{FormType: formType, Success: success, Fields: SanitizeFields(fields)}
}

// NewCalculatorStep builds a calculator payload with sensitive inputs redacted.
func NewCalculatorStep(calculator string, step int, stepName string, inputs map[string]string) CalculatorStep {
	return CalculatorStep{Calculator: calculator, Step: step, StepName: stepName, Inputs: SanitizeFields(inputs)}
}

func newPayload(k Kind) Payload {
	switch k {
	case KindPageView:
		return &PageView{}
	case KindSectionView:
		return &SectionView{}
	case KindSectionExit:
		return &SectionExit{}
	case KindCTAClick:
		return &CTAClick{}
	case KindFormSubmission:
		return &FormSubmission{}
	case KindFormAbandonment:
		return &FormAbandonment{}
	case KindCalculatorStep:
		return &CalculatorStep{}
	case KindScrollMilestone:
		return &ScrollMilestone{}
	case KindConversion:
		return &Conversion{}
	case KindError:
		return &Error{}
	case KindExposure:
		return &Exposure{}
	case KindFunnelStep:
		return &FunnelStep{}
	}
	return nil
}
