package domain

// Node types known to the content tree.
const (
	NodeTypeRoot             = "rep:root"
	NodeTypeUnstructured     = "nt:unstructured"
	NodeTypeFolder           = "sling:Folder"
	NodeTypeSubject          = "cards:Subject"
	NodeTypeSubjectType      = "cards:SubjectType"
	NodeTypeSubjectsHomepage = "cards:SubjectsHomepage"
	NodeTypeQuestionnaire    = "cards:Questionnaire"
	NodeTypeSection          = "cards:Section"
	NodeTypeQuestion         = "cards:Question"
	NodeTypeAnswerOption     = "cards:AnswerOption"
	NodeTypeForm             = "cards:Form"
	NodeTypeFormsHomepage    = "cards:FormsHomepage"
	NodeTypeAnswerSection    = "cards:AnswerSection"
	NodeTypeAnswer           = "cards:Answer"
	NodeTypeTextAnswer       = "cards:TextAnswer"
	NodeTypeLongAnswer       = "cards:LongAnswer"
	NodeTypeDoubleAnswer     = "cards:DoubleAnswer"
	NodeTypeDecimalAnswer    = "cards:DecimalAnswer"
	NodeTypeDateAnswer       = "cards:DateAnswer"
	NodeTypeTimeAnswer       = "cards:TimeAnswer"
	NodeTypeBooleanAnswer    = "cards:BooleanAnswer"
	NodeTypeVocabularyAnswer = "cards:VocabularyAnswer"
	NodeTypeReferenceAnswer  = "cards:ReferenceAnswer"
	NodeTypeComputedAnswer   = "cards:ComputedAnswer"
	NodeTypeFormReference    = "cards:FormReference"
	NodeTypeClinicMapping    = "cards:ClinicMapping"
	NodeTypeClinicFolder     = "cards:ClinicMappingFolder"
	NodeTypeExtensionPoint   = "cards:ExtensionPoint"
	NodeTypeExtension        = "cards:Extension"

	MixinReferenceable = "mix:referenceable"
	MixinVersionable   = "mix:versionable"
)

// Property names maintained by the store or read by several components.
const (
	PropUUID             = "jcr:uuid"
	PropPrimaryType      = "jcr:primaryType"
	PropCreated          = "jcr:created"
	PropCreatedBy        = "jcr:createdBy"
	PropLastModified     = "jcr:lastModified"
	PropLastModifiedBy   = "jcr:lastModifiedBy"
	PropIsCheckedOut     = "jcr:isCheckedOut"
	PropQuestionnaire    = "questionnaire"
	PropSubject          = "subject"
	PropRelatedSubjects  = "relatedSubjects"
	PropQuestion         = "question"
	PropSection          = "section"
	PropValue            = "value"
	PropIdentifier       = "identifier"
	PropFullIdentifier   = "fullIdentifier"
	PropParents          = "parents"
	PropType             = "type"
	PropStatusFlags      = "statusFlags"
	PropReference        = "reference"
	PropText             = "text"
	PropLabel            = "label"
	PropTitle            = "title"
	PropMinAnswers       = "minAnswers"
	PropMaxAnswers       = "maxAnswers"
	PropDataType         = "dataType"
	PropDefaultOrder     = "defaultOrder"
	PropClinicName       = "clinicName"
	PropDisplayName      = "displayName"
	PropSidebarLabel     = "sidebarLabel"
	PropSurvey           = "survey"
	PropEmergencyContact = "emergencyContact"
	PropTokenLifetime    = "daysRelativeToEventWhileSurveyIsValid"
	PropDescription      = "description"
)

var supertypes = map[string][]string{
	NodeTypeTextAnswer:       {NodeTypeAnswer},
	NodeTypeLongAnswer:       {NodeTypeAnswer},
	NodeTypeDoubleAnswer:     {NodeTypeAnswer},
	NodeTypeDecimalAnswer:    {NodeTypeAnswer},
	NodeTypeDateAnswer:       {NodeTypeAnswer},
	NodeTypeTimeAnswer:       {NodeTypeAnswer},
	NodeTypeBooleanAnswer:    {NodeTypeAnswer},
	NodeTypeVocabularyAnswer: {NodeTypeAnswer},
	NodeTypeReferenceAnswer:  {NodeTypeAnswer},
	NodeTypeComputedAnswer:   {NodeTypeAnswer},
	NodeTypeAnswer:           {MixinReferenceable},
	NodeTypeAnswerSection:    {MixinReferenceable},
	NodeTypeForm:             {MixinVersionable},
	NodeTypeSubject:          {MixinReferenceable},
	NodeTypeSubjectType:      {MixinReferenceable},
	NodeTypeQuestionnaire:    {MixinReferenceable},
	NodeTypeSection:          {MixinReferenceable},
	NodeTypeQuestion:         {MixinReferenceable},
	NodeTypeAnswerOption:     {MixinReferenceable},
	NodeTypeClinicMapping:    {MixinReferenceable},
	NodeTypeFormReference:    {MixinReferenceable},
	MixinVersionable:         {MixinReferenceable},
}

// RegisterNodeType declares additional supertypes for a node type. Plugins use
// it for custom types; built-in declarations cannot be removed.
func RegisterNodeType(name string, parents ...string) {
	supertypes[name] = append(supertypes[name], parents...)
}

// TypeMatches reports whether actual is wanted or inherits from it.
func TypeMatches(actual, wanted string) bool {
	if actual == wanted {
		return true
	}
	for _, parent := range supertypes[actual] {
		if TypeMatches(parent, wanted) {
			return true
		}
	}
	return false
}

// IsNodeType reports whether the node's primary type or one of its mixins is,
// or inherits from, the wanted type.
func IsNodeType(n *Node, wanted string) bool {
	if n == nil {
		return false
	}
	if TypeMatches(n.PrimaryType, wanted) {
		return true
	}
	for _, m := range n.Mixins {
		if TypeMatches(m, wanted) {
			return true
		}
	}
	return false
}
