/*
Package augment renders generation prompts and parses model output into
variations.

The default template asks for a JSON list of rewritten questions that keep
the original answer, with one instruction line per configured variation type.
A custom text/template file can replace it; the template receives a
PromptData value.

ParseVariations takes the text between the first '[' and the last ']' and
accepts both question/answer and soru/cevap keys, or bare strings.
*/
package augment
